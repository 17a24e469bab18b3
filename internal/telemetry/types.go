package telemetry

import (
	"fmt"
	"time"
)

// MetricKind описывает тип метрики, которую может вернуть источник
type MetricKind int

const (
	CpuLoad MetricKind = iota
	CoreLoad
	MemoryAvailable
	MemoryTotal
	GpuLoad
	Temperature
	FanSpeed
	Control
)

var metricKindNames = [...]string{
	CpuLoad:         "cpu_load",
	CoreLoad:        "core_load",
	MemoryAvailable: "memory_available",
	MemoryTotal:     "memory_total",
	GpuLoad:         "gpu_load",
	Temperature:     "temperature",
	FanSpeed:        "fan_speed",
	Control:         "control",
}

func (k MetricKind) String() string {
	if k < 0 || int(k) >= len(metricKindNames) {
		return fmt.Sprintf("metric_kind(%d)", int(k))
	}
	return metricKindNames[k]
}

// MarshalText позволяет использовать MetricKind как ключ JSON объекта
func (k MetricKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText разбирает имя метрики обратно в MetricKind
func (k *MetricKind) UnmarshalText(text []byte) error {
	for i, name := range metricKindNames {
		if name == string(text) {
			*k = MetricKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown metric kind: %q", string(text))
}

// Unit единица измерения показания
type Unit string

const (
	UnitPercent   Unit = "%"
	UnitCelsius   Unit = "°C"
	UnitRPM       Unit = "RPM"
	UnitGigabytes Unit = "GB"
)

// Snapshot результат одного цикла опроса. После публикации не изменяется:
// каждый цикл создает новый экземпляр.
type Snapshot struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	CPUTotalPct *float64   `json:"cpu_total_pct"`
	CorePcts    []*float64 `json:"core_pcts"`

	MemoryAvailableGB *float64 `json:"memory_available_gb"`
	MemoryUsedGB      *float64 `json:"memory_used_gb"`
	MemoryTotalGB     *float64 `json:"memory_total_gb"`
	MemoryUsedPct     *float64 `json:"memory_used_pct"`

	GPULoadPct     *float64 `json:"gpu_load_pct"`
	CPUTemperature *float64 `json:"cpu_temperature"`

	Temperatures map[string]TemperatureReading `json:"temperatures"`
	Fans         map[string]FanReading         `json:"fans"`

	Health Health `json:"health"`
	Policy Policy `json:"policy"`

	DataGaps map[MetricKind]Gap `json:"data_gaps"`
	Status   []string           `json:"status,omitempty"`
}

// TemperatureReading температура с уже рассчитанной полосой
type TemperatureReading struct {
	Device  string          `json:"device"`
	Label   string          `json:"label"`
	Celsius float64         `json:"celsius"`
	Band    TemperatureBand `json:"band"`
}

// FanReading показание вентилятора (или канала управления вентилятором)
type FanReading struct {
	Device string   `json:"device"`
	Label  string   `json:"label"`
	Value  float64  `json:"value"`
	Unit   Unit     `json:"unit"`
	Group  FanGroup `json:"group"`
	State  FanState `json:"state"`
}

// Gap описывает метрику, для которой ни один источник не дал значения
type Gap struct {
	Hint   string `json:"hint"`
	Detail string `json:"detail,omitempty"`
}

const (
	// HintNoData источник отработал, но значения нет
	HintNoData = "no data"
	// HintElevation значение, вероятно, доступно только с повышенными правами
	HintElevation = "likely needs elevated privilege"
)

// HasGap проверяет, помечена ли метрика как пропуск
func (s *Snapshot) HasGap(kind MetricKind) bool {
	_, ok := s.DataGaps[kind]
	return ok
}

// Float возвращает указатель на копию значения
func Float(v float64) *float64 {
	return &v
}
