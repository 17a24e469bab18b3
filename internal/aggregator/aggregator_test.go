package aggregator

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"hwtelemetry/internal/counters"
	"hwtelemetry/internal/fallback"
	"hwtelemetry/internal/sensors"
	"hwtelemetry/internal/telemetry"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeCounters struct {
	cores    int
	sample   counters.Sample
	err      error
	block    chan struct{}
	closeErr error
	closed   atomic.Bool
}

func (f *fakeCounters) Cores() int                  { return f.cores }
func (f *fakeCounters) Prime(context.Context) error { return nil }

func (f *fakeCounters) Sample(ctx context.Context) (counters.Sample, error) {
	if f.block != nil {
		<-f.block
	}
	return f.sample, f.err
}

func (f *fakeCounters) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

type fakeTree struct {
	entries    []sensors.Entry
	refreshErr error
	panicOn    bool
	closePanic bool
	closed     atomic.Bool
}

func (f *fakeTree) Refresh(context.Context) error {
	if f.panicOn {
		panic("sensor driver exploded")
	}
	return f.refreshErr
}

func (f *fakeTree) ReadAll() ([]sensors.Entry, error) {
	return f.entries, nil
}

func (f *fakeTree) Close() error {
	f.closed.Store(true)
	if f.closePanic {
		panic("close failed hard")
	}
	return nil
}

type fakeFallback struct {
	totalGB  *float64
	gpu      *float64
	zones    []fallback.Zone
	err      error
	calls    atomic.Int32
	closeErr error
	closed   atomic.Bool
}

func (f *fakeFallback) TotalMemoryGB(context.Context) (*float64, error) {
	f.calls.Add(1)
	return f.totalGB, f.err
}

func (f *fakeFallback) GPUUtilizationPct(context.Context) (*float64, error) {
	f.calls.Add(1)
	return f.gpu, f.err
}

func (f *fakeFallback) ThermalZoneTemps(context.Context) ([]fallback.Zone, error) {
	f.calls.Add(1)
	return f.zones, f.err
}

func (f *fakeFallback) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

func entry(device string, kind sensors.DeviceKind, metric telemetry.MetricKind, label string, value float64, unit telemetry.Unit) sensors.Entry {
	return sensors.Entry{
		Device:     device,
		DeviceKind: kind,
		Reading:    sensors.Reading{Kind: metric, Label: label, Value: telemetry.Float(value), Unit: unit},
	}
}

func healthyCounters() *fakeCounters {
	return &fakeCounters{
		cores: 2,
		sample: counters.Sample{
			CPUTotalPct:       telemetry.Float(50),
			CorePcts:          []*float64{telemetry.Float(10), telemetry.Float(20)},
			MemoryAvailableMB: telemetry.Float(4096),
		},
	}
}

func fullTree() *fakeTree {
	return &fakeTree{entries: []sensors.Entry{
		entry("Generic Memory", sensors.KindMemory, telemetry.MemoryTotal, "Memory Total", 16, telemetry.UnitGigabytes),
		entry("Ryzen", sensors.KindCpu, telemetry.Temperature, "Tctl", 55, telemetry.UnitCelsius),
		entry("Ryzen", sensors.KindCpu, telemetry.Temperature, "Tccd1", 65, telemetry.UnitCelsius),
		entry("nvme", sensors.KindStorage, telemetry.Temperature, "Composite", 85, telemetry.UnitCelsius),
		entry("amdgpu", sensors.KindGpuAmd, telemetry.GpuLoad, "GPU Core", 30, telemetry.UnitPercent),
		entry("amdgpu", sensors.KindGpuAmd, telemetry.GpuLoad, "GPU Video Engine", 90, telemetry.UnitPercent),
		entry("amdgpu", sensors.KindGpuAmd, telemetry.FanSpeed, "GPU Fan 1", 0, telemetry.UnitRPM),
		entry("nct6798", sensors.KindMotherboard, telemetry.FanSpeed, "CPU Fan", 1200, telemetry.UnitRPM),
		entry("nct6798", sensors.KindMotherboard, telemetry.FanSpeed, "Fan 2", 0, telemetry.UnitRPM),
		entry("kraken", sensors.KindOther, telemetry.Control, "Pump", 2400, telemetry.UnitRPM),
		entry("nct6798", sensors.KindMotherboard, telemetry.Control, "PWM 1", 50, telemetry.UnitPercent),
	}}
}

func newEngine(c CounterSource, t SensorTree, f FallbackSource, opts Options) *Engine {
	if opts.Elevated == nil {
		opts.Elevated = func() bool { return true }
	}
	return New(c, t, f, opts, zap.NewNop())
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCycleMergesSources(t *testing.T) {
	fb := &fakeFallback{}
	e := newEngine(healthyCounters(), fullTree(), fb, Options{})

	snap := e.Cycle(context.Background())

	if len(snap.DataGaps) != 0 {
		t.Errorf("DataGaps = %v, want none", snap.DataGaps)
	}
	if fb.calls.Load() != 0 {
		t.Errorf("fallback queried %d times with a complete tree", fb.calls.Load())
	}
	if snap.CPUTotalPct == nil || *snap.CPUTotalPct != 50 {
		t.Errorf("CPUTotalPct = %v", snap.CPUTotalPct)
	}
	if *snap.MemoryAvailableGB != 4 || *snap.MemoryTotalGB != 16 || *snap.MemoryUsedGB != 12 {
		t.Errorf("memory = avail %v total %v used %v", *snap.MemoryAvailableGB, *snap.MemoryTotalGB, *snap.MemoryUsedGB)
	}
	if *snap.MemoryUsedPct != 75 {
		t.Errorf("MemoryUsedPct = %v, want 75", *snap.MemoryUsedPct)
	}
	if *snap.GPULoadPct != 30 {
		t.Errorf("GPULoadPct = %v, want the GPU Core reading 30", *snap.GPULoadPct)
	}
	if *snap.CPUTemperature != 65 {
		t.Errorf("CPUTemperature = %v, want max CPU reading 65", *snap.CPUTemperature)
	}
	if len(snap.Temperatures) != 3 {
		t.Errorf("Temperatures = %v", snap.Temperatures)
	}
	if got := snap.Temperatures["nvme Composite"].Band; got != telemetry.BandSevere {
		t.Errorf("nvme band = %v, want severe", got)
	}
	if snap.Health != telemetry.HealthOptimal {
		t.Errorf("Health = %v, want OPTIMAL", snap.Health)
	}
	if snap.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", snap.Sequence)
	}
}

func TestFans(t *testing.T) {
	e := newEngine(healthyCounters(), fullTree(), &fakeFallback{}, Options{})
	snap := e.Cycle(context.Background())

	tests := []struct {
		key   string
		group telemetry.FanGroup
		state telemetry.FanState
	}{
		{"amdgpu GPU Fan 1", telemetry.FanGroupGPU, telemetry.FanZeroRPMMode},
		{"nct6798 CPU Fan", telemetry.FanGroupCPU, telemetry.FanDegraded},
		{"nct6798 Fan 2", telemetry.FanGroupSystem, telemetry.FanInactive},
		{"kraken Pump", telemetry.FanGroupSystem, telemetry.FanHealthy},
	}
	if len(snap.Fans) != len(tests) {
		t.Fatalf("Fans = %v, want %d entries", snap.Fans, len(tests))
	}
	for _, tt := range tests {
		fan, ok := snap.Fans[tt.key]
		if !ok {
			t.Errorf("fan %q missing", tt.key)
			continue
		}
		if fan.Group != tt.group || fan.State != tt.state {
			t.Errorf("fan %q = %v/%v, want %v/%v", tt.key, fan.Group, fan.State, tt.group, tt.state)
		}
	}
	if _, ok := snap.Fans["nct6798 PWM 1"]; ok {
		t.Error("plain PWM channel reported as a fan")
	}
}

func TestPercentFanChannels(t *testing.T) {
	tree := &fakeTree{entries: []sensors.Entry{
		entry("NVIDIA GeForce RTX 3080", sensors.KindGpuNvidia, telemetry.Control, "GPU Fan", 55, telemetry.UnitPercent),
		entry("NVIDIA GeForce RTX 3060", sensors.KindGpuNvidia, telemetry.Control, "GPU Fan", 0, telemetry.UnitPercent),
	}}
	snap := newEngine(healthyCounters(), tree, &fakeFallback{}, Options{}).Cycle(context.Background())

	tests := []struct {
		key   string
		state telemetry.FanState
	}{
		{"NVIDIA GeForce RTX 3080 GPU Fan", telemetry.FanHealthy},
		{"NVIDIA GeForce RTX 3060 GPU Fan", telemetry.FanZeroRPMMode},
	}
	for _, tt := range tests {
		fan, ok := snap.Fans[tt.key]
		if !ok {
			t.Errorf("fan %q missing", tt.key)
			continue
		}
		if fan.Unit != telemetry.UnitPercent || fan.Group != telemetry.FanGroupGPU || fan.State != tt.state {
			t.Errorf("fan %q = %v %v/%v, want %% gpu/%v", tt.key, fan.Unit, fan.Group, fan.State, tt.state)
		}
	}
}

func TestIdenticalLabelsOnDifferentDevices(t *testing.T) {
	tree := &fakeTree{entries: []sensors.Entry{
		entry("nct6798", sensors.KindMotherboard, telemetry.FanSpeed, "Fan 1", 900, telemetry.UnitRPM),
		entry("corsaircpro", sensors.KindOther, telemetry.FanSpeed, "Fan 1", 1500, telemetry.UnitRPM),
	}}
	snap := newEngine(healthyCounters(), tree, &fakeFallback{}, Options{}).Cycle(context.Background())

	if len(snap.Fans) != 2 {
		t.Errorf("Fans = %v, want both devices' Fan 1", snap.Fans)
	}
}

func TestMemoryInvariant(t *testing.T) {
	c := healthyCounters()
	c.sample.MemoryAvailableMB = telemetry.Float(5321.7)
	tree := &fakeTree{entries: []sensors.Entry{
		entry("Generic Memory", sensors.KindMemory, telemetry.MemoryTotal, "Memory Total", 15.6, telemetry.UnitGigabytes),
	}}
	snap := newEngine(c, tree, &fakeFallback{}, Options{}).Cycle(context.Background())

	sum := *snap.MemoryUsedGB + *snap.MemoryAvailableGB
	if !approx(sum, *snap.MemoryTotalGB) {
		t.Errorf("used + available = %v, total = %v", sum, *snap.MemoryTotalGB)
	}
}

func TestTotalMemoryFallback(t *testing.T) {
	fb := &fakeFallback{totalGB: telemetry.Float(32)}
	snap := newEngine(healthyCounters(), &fakeTree{}, fb, Options{}).Cycle(context.Background())

	if snap.MemoryTotalGB == nil || *snap.MemoryTotalGB != 32 {
		t.Fatalf("MemoryTotalGB = %v, want 32 from fallback", snap.MemoryTotalGB)
	}
	if *snap.MemoryUsedGB != 28 {
		t.Errorf("MemoryUsedGB = %v, want 28", *snap.MemoryUsedGB)
	}
}

func TestTotalMemoryNeverFabricated(t *testing.T) {
	fb := &fakeFallback{err: telemetry.ErrSourceUnavailable}
	snap := newEngine(healthyCounters(), &fakeTree{}, fb, Options{}).Cycle(context.Background())

	if snap.MemoryTotalGB != nil || snap.MemoryUsedGB != nil || snap.MemoryUsedPct != nil {
		t.Errorf("memory = total %v used %v pct %v, want all nil", snap.MemoryTotalGB, snap.MemoryUsedGB, snap.MemoryUsedPct)
	}
	if !snap.HasGap(telemetry.MemoryTotal) {
		t.Error("MemoryTotal not reported as a gap")
	}
	if snap.HasGap(telemetry.MemoryAvailable) {
		t.Error("MemoryAvailable reported as a gap although counters provided it")
	}
}

func TestGPUFallback(t *testing.T) {
	tree := &fakeTree{entries: []sensors.Entry{
		// загрузка не на GPU устройстве не считается
		entry("Ryzen", sensors.KindCpu, telemetry.GpuLoad, "GPU Core", 99, telemetry.UnitPercent),
	}}
	fb := &fakeFallback{gpu: telemetry.Float(44)}
	snap := newEngine(healthyCounters(), tree, fb, Options{}).Cycle(context.Background())

	if snap.GPULoadPct == nil || *snap.GPULoadPct != 44 {
		t.Errorf("GPULoadPct = %v, want 44 from fallback", snap.GPULoadPct)
	}
}

func TestGPUGapNeverSynthesized(t *testing.T) {
	snap := newEngine(healthyCounters(), &fakeTree{}, &fakeFallback{}, Options{}).Cycle(context.Background())

	if snap.GPULoadPct != nil {
		t.Errorf("GPULoadPct = %v, want nil", *snap.GPULoadPct)
	}
	if gap := snap.DataGaps[telemetry.GpuLoad]; gap.Hint != telemetry.HintNoData {
		t.Errorf("GpuLoad gap = %+v, want no data hint", gap)
	}
}

func TestTemperatureFallbackZones(t *testing.T) {
	fb := &fakeFallback{zones: []fallback.Zone{
		{Name: "acpitz", Celsius: 30},
		{Name: "acpitz", Celsius: 41},
		{Name: "x86_pkg_temp", Celsius: 52},
	}}
	snap := newEngine(healthyCounters(), &fakeTree{}, fb, Options{}).Cycle(context.Background())

	if len(snap.Temperatures) != 3 {
		t.Fatalf("Temperatures = %v, want 3 zones", snap.Temperatures)
	}
	if _, ok := snap.Temperatures["acpitz #2"]; !ok {
		t.Errorf("duplicate zone names not disambiguated: %v", snap.Temperatures)
	}
	if snap.CPUTemperature == nil || *snap.CPUTemperature != 52 {
		t.Errorf("CPUTemperature = %v, want 52", snap.CPUTemperature)
	}
	if snap.HasGap(telemetry.Temperature) {
		t.Error("Temperature gap with zones present")
	}
}

func TestTemperatureGapWhenAllSourcesFail(t *testing.T) {
	fb := &fakeFallback{err: telemetry.ErrPermissionDenied}
	snap := newEngine(healthyCounters(), &fakeTree{}, fb, Options{}).Cycle(context.Background())

	if snap == nil {
		t.Fatal("Cycle() returned nil")
	}
	if len(snap.Temperatures) != 0 {
		t.Errorf("Temperatures = %v, want empty", snap.Temperatures)
	}
	gap, ok := snap.DataGaps[telemetry.Temperature]
	if !ok {
		t.Fatal("Temperature not in DataGaps")
	}
	if gap.Hint != telemetry.HintElevation {
		t.Errorf("Hint = %q, want elevation hint after permission failure", gap.Hint)
	}
	if gap.Detail == "" {
		t.Error("Detail empty, want the permission error")
	}
}

func TestGapHints(t *testing.T) {
	tests := []struct {
		name     string
		elevated bool
		kind     telemetry.MetricKind
		want     string
	}{
		{"temperature unelevated", false, telemetry.Temperature, telemetry.HintElevation},
		{"fan unelevated", false, telemetry.FanSpeed, telemetry.HintElevation},
		{"gpu unelevated", false, telemetry.GpuLoad, telemetry.HintElevation},
		{"temperature elevated", true, telemetry.Temperature, telemetry.HintNoData},
		{"memory unelevated", false, telemetry.MemoryTotal, telemetry.HintNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			elevated := tt.elevated
			e := newEngine(healthyCounters(), &fakeTree{}, &fakeFallback{}, Options{
				Elevated: func() bool { return elevated },
			})
			snap := e.Cycle(context.Background())

			gap, ok := snap.DataGaps[tt.kind]
			if !ok {
				t.Fatalf("%v not in DataGaps", tt.kind)
			}
			if gap.Hint != tt.want {
				t.Errorf("Hint = %q, want %q", gap.Hint, tt.want)
			}
		})
	}
}

func TestPanicInSourceIsCaptured(t *testing.T) {
	tree := &fakeTree{panicOn: true}
	snap := newEngine(healthyCounters(), tree, &fakeFallback{}, Options{}).Cycle(context.Background())

	if snap == nil {
		t.Fatal("Cycle() returned nil after a panic")
	}
	if snap.CPUTotalPct == nil {
		t.Error("counters lost because the tree panicked")
	}
	found := false
	for _, s := range snap.Status {
		if strings.Contains(s, "panic") {
			found = true
		}
	}
	if !found {
		t.Errorf("Status = %v, want a panic entry", snap.Status)
	}
}

func TestSlowSourceBecomesTransientGap(t *testing.T) {
	c := healthyCounters()
	c.block = make(chan struct{})
	defer close(c.block)

	tree := fullTree()
	tree.entries = append(tree.entries,
		entry("Generic Memory", sensors.KindMemory, telemetry.MemoryAvailable, "Memory Available", 6, telemetry.UnitGigabytes))
	e := newEngine(c, tree, &fakeFallback{}, Options{SourceTimeout: 20 * time.Millisecond})

	start := time.Now()
	snap := e.Cycle(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Cycle() took %v with a stuck source", elapsed)
	}

	if !snap.HasGap(telemetry.CpuLoad) {
		t.Error("CpuLoad not a gap after timeout")
	}
	if len(snap.CorePcts) != 2 {
		t.Errorf("len(CorePcts) = %d, want 2", len(snap.CorePcts))
	}
	if !strings.Contains(snap.DataGaps[telemetry.CpuLoad].Detail, "deadline") {
		t.Errorf("Detail = %q", snap.DataGaps[telemetry.CpuLoad].Detail)
	}
	// память берется из дерева, когда счетчики не ответили
	if snap.MemoryAvailableGB == nil || *snap.MemoryAvailableGB != 6 {
		t.Errorf("MemoryAvailableGB = %v, want 6 from the tree", snap.MemoryAvailableGB)
	}
}

func TestCoreCountFixed(t *testing.T) {
	c := healthyCounters()
	c.cores = 4
	c.sample.CorePcts = []*float64{telemetry.Float(1), nil, telemetry.Float(3)}
	e := newEngine(c, fullTree(), &fakeFallback{}, Options{})

	for i := 0; i < 3; i++ {
		snap := e.Cycle(context.Background())
		if len(snap.CorePcts) != 4 {
			t.Fatalf("cycle %d: len(CorePcts) = %d, want 4", i, len(snap.CorePcts))
		}
		if snap.CorePcts[1] != nil || snap.CorePcts[3] != nil {
			t.Errorf("missing cores not nil: %v", snap.CorePcts)
		}
	}
}

func TestMissingSources(t *testing.T) {
	snap := newEngine(nil, nil, nil, Options{}).Cycle(context.Background())

	if snap.Health != telemetry.HealthUnknown {
		t.Errorf("Health = %v, want UNKNOWN", snap.Health)
	}
	for _, kind := range []telemetry.MetricKind{
		telemetry.CpuLoad, telemetry.MemoryAvailable, telemetry.MemoryTotal,
		telemetry.GpuLoad, telemetry.Temperature, telemetry.FanSpeed,
	} {
		if !snap.HasGap(kind) {
			t.Errorf("%v not a gap with no sources", kind)
		}
	}
	if len(snap.Status) != 0 {
		t.Errorf("Status = %v, unavailable sources are not status-worthy", snap.Status)
	}
}

func TestHealthPolicy(t *testing.T) {
	c := healthyCounters()
	for _, tt := range []struct {
		policy telemetry.Policy
		want   telemetry.Health
	}{
		{telemetry.PolicyLoad, telemetry.HealthOptimal},
		{telemetry.PolicyThermal, telemetry.HealthGood},
	} {
		snap := newEngine(c, fullTree(), &fakeFallback{}, Options{Policy: tt.policy}).Cycle(context.Background())
		if snap.Health != tt.want {
			t.Errorf("policy %v: Health = %v, want %v", tt.policy, snap.Health, tt.want)
		}
		if telemetry.Classify(snap, tt.policy) != snap.Health {
			t.Errorf("policy %v: Classify disagrees with snapshot", tt.policy)
		}
	}
}

func TestFaultLoggedOncePerTransition(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := healthyCounters()
	c.err = telemetry.ErrTransientRead

	e := New(c, fullTree(), &fakeFallback{}, Options{Elevated: func() bool { return true }}, zap.New(core))
	for i := 0; i < 3; i++ {
		e.Cycle(context.Background())
	}
	if n := logs.FilterMessage("Source read failed").Len(); n != 1 {
		t.Errorf("failure logged %d times, want 1", n)
	}

	c.err = nil
	e.Cycle(context.Background())
	if n := logs.FilterMessage("Source recovered").Len(); n != 1 {
		t.Errorf("recovery logged %d times, want 1", n)
	}
}

func TestCloseReleasesIndependently(t *testing.T) {
	c := healthyCounters()
	c.closeErr = errors.New("counter handle stuck")
	tree := &fakeTree{closePanic: true}
	fb := &fakeFallback{}

	e := newEngine(c, tree, fb, Options{})
	err := e.Close()

	if err == nil {
		t.Fatal("Close() error = nil, want joined failures")
	}
	if !strings.Contains(err.Error(), "counter handle stuck") || !strings.Contains(err.Error(), "panic") {
		t.Errorf("Close() error = %v", err)
	}
	if !c.closed.Load() || !tree.closed.Load() || !fb.closed.Load() {
		t.Error("not every source was released")
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
