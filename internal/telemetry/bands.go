package telemetry

// TemperatureBand полоса температуры для отображения
type TemperatureBand string

const (
	BandNominal  TemperatureBand = "nominal"
	BandElevated TemperatureBand = "elevated"
	BandSevere   TemperatureBand = "severe"
)

// TemperatureBandOf: >80 severe, >60 elevated, иначе nominal
func TemperatureBandOf(celsius float64) TemperatureBand {
	switch {
	case celsius > 80:
		return BandSevere
	case celsius > 60:
		return BandElevated
	default:
		return BandNominal
	}
}

// FanGroup группа, к которой относится вентилятор
type FanGroup string

const (
	FanGroupCPU    FanGroup = "cpu"
	FanGroupGPU    FanGroup = "gpu"
	FanGroupSystem FanGroup = "system"
)

// FanState состояние вентилятора по оборотам
type FanState string

const (
	FanHealthy     FanState = "healthy"
	FanDegraded    FanState = "degraded"
	FanCritical    FanState = "critical"
	FanInactive    FanState = "inactive"
	FanZeroRPMMode FanState = "zero-rpm-mode"
)

// FanStateOf классифицирует обороты. Ноль на GPU вентиляторе означает
// штатную остановку при низкой нагрузке, а не поломку.
func FanStateOf(rpm float64, group FanGroup) FanState {
	switch {
	case rpm > 2000:
		return FanHealthy
	case rpm > 800:
		return FanDegraded
	case rpm > 0:
		return FanCritical
	case group == FanGroupGPU:
		return FanZeroRPMMode
	default:
		return FanInactive
	}
}

// FanStateFor классифицирует показание вентилятора по его единице.
// Скважность в процентах не сравнивается с порогами оборотов: любое
// ненулевое значение означает, что вентилятор управляется и работает.
func FanStateFor(value float64, unit Unit, group FanGroup) FanState {
	if unit != UnitPercent {
		return FanStateOf(value, group)
	}
	if value > 0 {
		return FanHealthy
	}
	return FanStateOf(0, group)
}

// MemoryStatus статус загрузки памяти
type MemoryStatus string

const (
	MemoryNormal   MemoryStatus = "NORMAL"
	MemoryHigh     MemoryStatus = "HIGH"
	MemoryCritical MemoryStatus = "CRITICAL"
)

// MemoryStatusOf: <70 NORMAL, <85 HIGH, иначе CRITICAL
func MemoryStatusOf(usedPct float64) MemoryStatus {
	switch {
	case usedPct < 70:
		return MemoryNormal
	case usedPct < 85:
		return MemoryHigh
	default:
		return MemoryCritical
	}
}
