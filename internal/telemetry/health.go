package telemetry

import "fmt"

// Health итоговая оценка состояния системы
type Health string

const (
	HealthOptimal  Health = "OPTIMAL"
	HealthGood     Health = "GOOD"
	HealthHighLoad Health = "HIGH LOAD"
	// HealthUnknown нет ни загрузки CPU, ни загрузки памяти
	HealthUnknown Health = "UNKNOWN"
)

// Policy набор порогов для классификации
type Policy string

const (
	// PolicyLoad учитывает только CPU и память
	PolicyLoad Policy = "load"
	// PolicyThermal дополнительно учитывает температуру CPU (60/75 °C)
	PolicyThermal Policy = "thermal"
)

// ParsePolicy разбирает имя политики из конфигурации
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case PolicyLoad, PolicyThermal:
		return Policy(name), nil
	default:
		return "", fmt.Errorf("unknown health policy: %q", name)
	}
}

type thresholds struct {
	cpu, mem, temp float64
}

var (
	optimalLimits = thresholds{cpu: 80, mem: 90, temp: 60}
	goodLimits    = thresholds{cpu: 90, mem: 95, temp: 75}
)

// Classify вычисляет состояние по числовым полям снимка.
// Чистая функция: не хранит состояние и не изменяет снимок.
func Classify(s *Snapshot, policy Policy) Health {
	return ClassifyValues(s.CPUTotalPct, s.MemoryUsedPct, s.CPUTemperature, policy)
}

// ClassifyValues то же, что Classify, но по отдельным значениям.
// Отсутствующее значение не участвует в сравнении.
func ClassifyValues(cpu, memUsedPct, cpuTemp *float64, policy Policy) Health {
	if cpu == nil && memUsedPct == nil {
		return HealthUnknown
	}
	if policy != PolicyThermal {
		cpuTemp = nil
	}

	switch {
	case within(cpu, memUsedPct, cpuTemp, optimalLimits):
		return HealthOptimal
	case within(cpu, memUsedPct, cpuTemp, goodLimits):
		return HealthGood
	default:
		return HealthHighLoad
	}
}

func within(cpu, mem, temp *float64, t thresholds) bool {
	if cpu != nil && *cpu >= t.cpu {
		return false
	}
	if mem != nil && *mem >= t.mem {
		return false
	}
	if temp != nil && *temp >= t.temp {
		return false
	}
	return true
}
