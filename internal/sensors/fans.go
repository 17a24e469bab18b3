package sensors

import (
	"strings"

	"hwtelemetry/internal/telemetry"
)

var (
	cpuFanTokens     = []string{"cpu", "processor"}
	gpuFanTokens     = []string{"gpu", "nvidia", "geforce", "radeon"}
	fanControlTokens = []string{"fan", "pump"}
)

// FanGroupOf относит вентилятор к группе: CPU, если устройство CPU или
// в метке есть cpu/processor; GPU, если в метке есть токен производителя
// GPU; иначе системный.
func FanGroupOf(kind DeviceKind, label string) telemetry.FanGroup {
	lower := strings.ToLower(label)
	switch {
	case kind == KindCpu || containsAny(lower, cpuFanTokens):
		return telemetry.FanGroupCPU
	case containsAny(lower, gpuFanTokens):
		return telemetry.FanGroupGPU
	default:
		return telemetry.FanGroupSystem
	}
}

// IsFanControl true для каналов управления, которые на деле сообщают
// скорость вентилятора или помпы
func IsFanControl(label string) bool {
	return containsAny(strings.ToLower(label), fanControlTokens)
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}
