package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"hwtelemetry/internal/fallback"
	"hwtelemetry/internal/sensors"
	"hwtelemetry/internal/telemetry"

	"go.uber.org/multierr"
)

const mbPerGB = 1024

var preferredGPULabels = []string{"gpu core", "d3d"}

// cycle накапливает ошибки по метрикам в течение одного цикла
type cycle struct {
	e      *Engine
	ctx    context.Context
	errs   map[telemetry.MetricKind][]error
	status []string
}

func (c *cycle) fail(name string, err error, kinds ...telemetry.MetricKind) {
	fault := c.e.observe(name, err)
	if fault == telemetry.FaultNone {
		return
	}
	for _, kind := range kinds {
		c.errs[kind] = append(c.errs[kind], err)
	}
	if fault != telemetry.FaultSourceUnavailable {
		c.status = append(c.status, fmt.Sprintf("%s: %s: %v", name, fault, err))
	}
}

// Cycle выполняет один цикл опроса и всегда возвращает снимок.
// Метрики, для которых ни один источник не дал значения, попадают в
// DataGaps с подсказкой о причине.
func (e *Engine) Cycle(ctx context.Context) *telemetry.Snapshot {
	c := &cycle{
		e:    e,
		ctx:  ctx,
		errs: make(map[telemetry.MetricKind][]error),
	}

	snap := &telemetry.Snapshot{
		Sequence:     e.seq.Add(1),
		Timestamp:    time.Now(),
		CorePcts:     make([]*float64, e.cores),
		Temperatures: make(map[string]telemetry.TemperatureReading),
		Fans:         make(map[string]telemetry.FanReading),
		Policy:       e.policy,
		DataGaps:     make(map[telemetry.MetricKind]telemetry.Gap),
	}

	// 1. счетчики
	c.sampleCounters(snap)

	// 2. дерево датчиков
	entries := c.readTree()

	// 3. память
	c.mergeMemory(snap, entries)

	// 4. загрузка GPU
	c.mergeGPU(snap, entries)

	// 5. температуры
	c.mergeTemperatures(snap, entries)

	// 6. вентиляторы
	mergeFans(snap, entries)

	// 7. состояние
	snap.Health = telemetry.Classify(snap, e.policy)

	// 8. пропуски
	c.markGaps(snap)
	snap.Status = c.status

	return snap
}

func (c *cycle) sampleCounters(snap *telemetry.Snapshot) {
	kinds := []telemetry.MetricKind{telemetry.CpuLoad, telemetry.CoreLoad, telemetry.MemoryAvailable}
	if c.e.counters == nil {
		c.fail("counters.sample", fmt.Errorf("counters: %w", telemetry.ErrSourceUnavailable), kinds...)
		return
	}

	sample, err := call(c.ctx, c.e.timeout, "counters.sample", c.e.counters.Sample)
	if err != nil {
		c.fail("counters.sample", err, kinds...)
	} else {
		c.e.observe("counters.sample", nil)
	}

	snap.CPUTotalPct = sample.CPUTotalPct
	copy(snap.CorePcts, sample.CorePcts)
	if sample.MemoryAvailableMB != nil {
		snap.MemoryAvailableGB = telemetry.Float(*sample.MemoryAvailableMB / mbPerGB)
	}
}

func (c *cycle) readTree() []sensors.Entry {
	kinds := []telemetry.MetricKind{telemetry.MemoryTotal, telemetry.GpuLoad, telemetry.Temperature, telemetry.FanSpeed}
	if c.e.tree == nil {
		c.fail("sensors.refresh", fmt.Errorf("sensor tree: %w", telemetry.ErrSourceUnavailable), kinds...)
		return nil
	}

	_, err := call(c.ctx, c.e.timeout, "sensors.refresh", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.e.tree.Refresh(ctx)
	})
	if err != nil {
		c.fail("sensors.refresh", err, kinds...)
	} else {
		c.e.observe("sensors.refresh", nil)
	}

	// частично неудачное обновление все равно оставляет прочитанные значения
	entries, err := call(c.ctx, c.e.timeout, "sensors.read", func(context.Context) ([]sensors.Entry, error) {
		return c.e.tree.ReadAll()
	})
	if err != nil {
		c.fail("sensors.read", err, kinds...)
		return nil
	}
	c.e.observe("sensors.read", nil)
	return entries
}

// mergeMemory доступная память из счетчиков (или дерева), полная из
// дерева, затем из резервного источника. Постоянных значений по
// умолчанию нет.
func (c *cycle) mergeMemory(snap *telemetry.Snapshot, entries []sensors.Entry) {
	if snap.MemoryAvailableGB == nil {
		snap.MemoryAvailableGB = firstValue(entries, telemetry.MemoryAvailable)
	}

	snap.MemoryTotalGB = firstValue(entries, telemetry.MemoryTotal)
	if snap.MemoryTotalGB == nil {
		snap.MemoryTotalGB = c.queryFallback("fallback.total_memory", telemetry.MemoryTotal, c.fallbackTotalMemory)
	}

	if snap.MemoryTotalGB == nil || snap.MemoryAvailableGB == nil || *snap.MemoryTotalGB <= 0 {
		return
	}
	total, avail := *snap.MemoryTotalGB, *snap.MemoryAvailableGB
	used := total - avail
	snap.MemoryUsedGB = telemetry.Float(used)
	snap.MemoryUsedPct = telemetry.Float(clampPct(used / total * 100))
}

// mergeGPU загрузка GPU с GPU-устройств дерева. Показания "GPU Core" и
// "D3D" предпочтительнее прочих; среди подходящих берется максимум.
func (c *cycle) mergeGPU(snap *telemetry.Snapshot, entries []sensors.Entry) {
	var preferred, other *float64
	for _, e := range entries {
		if e.Reading.Kind != telemetry.GpuLoad || !e.DeviceKind.IsGPU() || e.Reading.Value == nil {
			continue
		}
		v := *e.Reading.Value
		other = maxOf(other, v)
		if containsFold(e.Reading.Label, preferredGPULabels) {
			preferred = maxOf(preferred, v)
		}
	}

	switch {
	case preferred != nil:
		snap.GPULoadPct = preferred
	case other != nil:
		snap.GPULoadPct = other
	default:
		snap.GPULoadPct = c.queryFallback("fallback.gpu_utilization", telemetry.GpuLoad, c.fallbackGPU)
	}
}

// mergeTemperatures все температуры дерева с ключом "{устройство}
// {метка}". Если дерево не дало ни одной, используются тепловые зоны.
func (c *cycle) mergeTemperatures(snap *telemetry.Snapshot, entries []sensors.Entry) {
	for _, e := range entries {
		if e.Reading.Kind != telemetry.Temperature || e.Reading.Value == nil {
			continue
		}
		v := *e.Reading.Value
		snap.Temperatures[entryKey(e)] = telemetry.TemperatureReading{
			Device:  e.Device,
			Label:   e.Reading.Label,
			Celsius: v,
			Band:    telemetry.TemperatureBandOf(v),
		}
		if e.DeviceKind == sensors.KindCpu {
			snap.CPUTemperature = maxOf(snap.CPUTemperature, v)
		}
	}
	if len(snap.Temperatures) > 0 {
		return
	}

	zones := c.thermalZones()
	for _, z := range zones {
		key := z.Name
		for n := 2; ; n++ {
			if _, dup := snap.Temperatures[key]; !dup {
				break
			}
			key = fmt.Sprintf("%s #%d", z.Name, n)
		}
		snap.Temperatures[key] = telemetry.TemperatureReading{
			Device:  "ACPI Thermal Zone",
			Label:   z.Name,
			Celsius: z.Celsius,
			Band:    telemetry.TemperatureBandOf(z.Celsius),
		}
		snap.CPUTemperature = maxOf(snap.CPUTemperature, z.Celsius)
	}
}

// mergeFans обороты вентиляторов и каналы управления с меткой fan/pump
func mergeFans(snap *telemetry.Snapshot, entries []sensors.Entry) {
	for _, e := range entries {
		if e.Reading.Value == nil {
			continue
		}
		switch e.Reading.Kind {
		case telemetry.FanSpeed:
		case telemetry.Control:
			if !sensors.IsFanControl(e.Reading.Label) {
				continue
			}
		default:
			continue
		}

		v := *e.Reading.Value
		group := sensors.FanGroupOf(e.DeviceKind, e.Reading.Label)
		snap.Fans[entryKey(e)] = telemetry.FanReading{
			Device: e.Device,
			Label:  e.Reading.Label,
			Value:  v,
			Unit:   e.Reading.Unit,
			Group:  group,
			State:  telemetry.FanStateFor(v, e.Reading.Unit, group),
		}
	}
}

func (c *cycle) markGaps(snap *telemetry.Snapshot) {
	if snap.CPUTotalPct == nil {
		c.gap(snap, telemetry.CpuLoad)
	}
	if allNil(snap.CorePcts) {
		c.gap(snap, telemetry.CoreLoad)
	}
	if snap.MemoryAvailableGB == nil {
		c.gap(snap, telemetry.MemoryAvailable)
	}
	if snap.MemoryTotalGB == nil {
		c.gap(snap, telemetry.MemoryTotal)
	}
	if snap.GPULoadPct == nil {
		c.gap(snap, telemetry.GpuLoad)
	}
	if len(snap.Temperatures) == 0 {
		c.gap(snap, telemetry.Temperature)
	}
	if len(snap.Fans) == 0 {
		c.gap(snap, telemetry.FanSpeed)
	}
}

// gap помечает метрику пропуском. Подсказка о правах ставится, если был
// отказ в доступе, либо если метрика обычно требует прав, а процесс
// запущен без них.
func (c *cycle) gap(snap *telemetry.Snapshot, kind telemetry.MetricKind) {
	errs := c.errs[kind]
	hint := telemetry.HintNoData

	permission := false
	for _, err := range errs {
		if telemetry.FaultOf(err) == telemetry.FaultPermissionDenied {
			permission = true
			break
		}
	}
	if permission || (privilegeGated(kind) && !c.e.elevated()) {
		hint = telemetry.HintElevation
	}

	var detail string
	if err := multierr.Combine(errs...); err != nil {
		detail = err.Error()
	}
	snap.DataGaps[kind] = telemetry.Gap{Hint: hint, Detail: detail}
}

func privilegeGated(kind telemetry.MetricKind) bool {
	switch kind {
	case telemetry.Temperature, telemetry.FanSpeed, telemetry.GpuLoad:
		return true
	default:
		return false
	}
}

func (c *cycle) queryFallback(name string, kind telemetry.MetricKind, fn func(ctx context.Context) (*float64, error)) *float64 {
	if c.e.fallback == nil {
		c.fail(name, fmt.Errorf("fallback: %w", telemetry.ErrSourceUnavailable), kind)
		return nil
	}
	v, err := call(c.ctx, c.e.timeout, name, fn)
	if err != nil {
		c.fail(name, err, kind)
		return nil
	}
	c.e.observe(name, nil)
	return v
}

func (c *cycle) fallbackTotalMemory(ctx context.Context) (*float64, error) {
	return c.e.fallback.TotalMemoryGB(ctx)
}

func (c *cycle) fallbackGPU(ctx context.Context) (*float64, error) {
	return c.e.fallback.GPUUtilizationPct(ctx)
}

func (c *cycle) thermalZones() []fallback.Zone {
	const name = "fallback.thermal_zones"
	if c.e.fallback == nil {
		c.fail(name, fmt.Errorf("fallback: %w", telemetry.ErrSourceUnavailable), telemetry.Temperature)
		return nil
	}
	zones, err := call(c.ctx, c.e.timeout, name, c.e.fallback.ThermalZoneTemps)
	if err != nil {
		c.fail(name, err, telemetry.Temperature)
		return nil
	}
	c.e.observe(name, nil)

	sort.SliceStable(zones, func(i, j int) bool { return zones[i].Name < zones[j].Name })
	return zones
}

func entryKey(e sensors.Entry) string {
	return e.Device + " " + e.Reading.Label
}

func firstValue(entries []sensors.Entry, kind telemetry.MetricKind) *float64 {
	for _, e := range entries {
		if e.Reading.Kind == kind && e.Reading.Value != nil {
			return telemetry.Float(*e.Reading.Value)
		}
	}
	return nil
}

func maxOf(cur *float64, v float64) *float64 {
	if cur == nil || v > *cur {
		return telemetry.Float(v)
	}
	return cur
}

func allNil(values []*float64) bool {
	for _, v := range values {
		if v != nil {
			return false
		}
	}
	return true
}

func containsFold(s string, tokens []string) bool {
	lower := strings.ToLower(s)
	for _, t := range tokens {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func clampPct(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
