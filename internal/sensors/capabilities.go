package sensors

import (
	"fmt"
	"strings"
)

// Capabilities набор включенных категорий устройств
type Capabilities uint16

const (
	CapCPU Capabilities = 1 << iota
	CapGPU
	CapMemory
	CapMotherboard
	CapController
	CapNetwork
	CapStorage
	CapPSU
	CapBattery
)

// DefaultCapabilities все категории, кроме блоков питания и батарей
const DefaultCapabilities = CapCPU | CapGPU | CapMemory | CapMotherboard |
	CapController | CapNetwork | CapStorage

var capabilityNames = []struct {
	name string
	cap  Capabilities
}{
	{"cpu", CapCPU},
	{"gpu", CapGPU},
	{"memory", CapMemory},
	{"motherboard", CapMotherboard},
	{"controller", CapController},
	{"network", CapNetwork},
	{"storage", CapStorage},
	{"psu", CapPSU},
	{"battery", CapBattery},
}

// Has проверяет, что включены все категории из other
func (c Capabilities) Has(other Capabilities) bool {
	return c&other == other
}

func (c Capabilities) String() string {
	var names []string
	for _, n := range capabilityNames {
		if c.Has(n.cap) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseCapabilities разбирает список имен категорий из конфигурации
func ParseCapabilities(names []string) (Capabilities, error) {
	var caps Capabilities
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		found := false
		for _, n := range capabilityNames {
			if n.name == name {
				caps |= n.cap
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown device category: %q", raw)
		}
	}
	return caps, nil
}
