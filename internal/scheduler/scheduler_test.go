package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hwtelemetry/internal/telemetry"

	"go.uber.org/zap"
)

// blockingEngine держит цикл, пока не придет сигнал, и считает
// одновременно идущие циклы
type blockingEngine struct {
	release   chan struct{}
	entered   chan struct{}
	seq       atomic.Uint64
	active    atomic.Int32
	maxActive atomic.Int32
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{
		release: make(chan struct{}),
		entered: make(chan struct{}, 16),
	}
}

func (e *blockingEngine) Cycle(ctx context.Context) *telemetry.Snapshot {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxActive.Load()
		if n <= m || e.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	e.entered <- struct{}{}
	<-e.release
	return &telemetry.Snapshot{Sequence: e.seq.Add(1)}
}

type instantEngine struct {
	seq atomic.Uint64
}

func (e *instantEngine) Cycle(context.Context) *telemetry.Snapshot {
	return &telemetry.Snapshot{Sequence: e.seq.Add(1)}
}

type recordingSink struct {
	mu       sync.Mutex
	received []uint64
	block    chan struct{}
	entered  chan struct{}
}

func (r *recordingSink) Publish(_ context.Context, snap *telemetry.Snapshot) error {
	if r.entered != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, snap.Sequence)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.received...)
}

func TestTriggerSkipsWhileBusy(t *testing.T) {
	engine := newBlockingEngine()
	s := New(engine, &recordingSink{}, Options{Interval: time.Hour}, zap.NewNop())

	if !s.Trigger() {
		t.Fatal("first Trigger() = false")
	}
	<-engine.entered

	for i := 0; i < 5; i++ {
		if s.Trigger() {
			t.Fatal("Trigger() started a second concurrent cycle")
		}
	}

	close(engine.release)
	s.Stop()

	if got := engine.maxActive.Load(); got != 1 {
		t.Errorf("max concurrent cycles = %d, want 1", got)
	}
	stats := s.Stats()
	if stats.Skipped != 5 || stats.Cycles != 1 {
		t.Errorf("Stats() = %+v, want 5 skipped and 1 cycle", stats)
	}
}

func TestTriggerAfterCycleCompletes(t *testing.T) {
	engine := &instantEngine{}
	s := New(engine, &recordingSink{}, Options{Interval: time.Hour}, zap.NewNop())
	defer s.Stop()

	s.Trigger()
	deadline := time.Now().Add(2 * time.Second)
	for s.busy.Load() {
		if time.Now().After(deadline) {
			t.Fatal("cycle never finished")
		}
		time.Sleep(time.Millisecond)
	}
	if !s.Trigger() {
		t.Error("Trigger() skipped although no cycle was running")
	}
}

func TestLatestSnapshotWins(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := New(&instantEngine{}, sink, Options{Interval: time.Hour}, zap.NewNop())

	go s.dispatchLoop()

	s.deliver(&telemetry.Snapshot{Sequence: 1})
	<-sink.entered // диспетчер занят первым снимком

	for seq := uint64(2); seq <= 5; seq++ {
		s.deliver(&telemetry.Snapshot{Sequence: seq})
	}
	close(sink.block)
	close(s.dispatchQuit)
	<-s.dispatchDone

	got := sink.sequences()
	if len(got) != 2 || got[0] != 1 || got[1] != 5 {
		t.Errorf("published %v, want [1 5]", got)
	}
	if d := s.Stats().Dropped; d != 3 {
		t.Errorf("Dropped = %d, want 3", d)
	}
}

func TestStartStop(t *testing.T) {
	sink := &recordingSink{}
	s := New(&instantEngine{}, sink, Options{Interval: 10 * time.Millisecond}, zap.NewNop())

	s.Start()
	time.Sleep(55 * time.Millisecond)
	s.Stop()
	s.Wait()

	got := sink.sequences()
	if len(got) < 2 {
		t.Errorf("published %v, want several snapshots", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("snapshots out of order: %v", got)
		}
	}
	if s.Stats().Running {
		t.Error("Running after Stop")
	}
	if s.Trigger() {
		t.Error("Trigger() after Stop started a cycle")
	}
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	engine := newBlockingEngine()
	sink := &recordingSink{}
	s := New(engine, sink, Options{Interval: time.Hour}, zap.NewNop())

	s.Start()
	<-engine.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned before the in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(engine.release)
	<-stopped

	if got := sink.sequences(); len(got) != 1 {
		t.Errorf("published %v, want the in-flight snapshot", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := New(&instantEngine{}, &recordingSink{}, Options{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() without Start() blocked")
	}
}

// closingEngine считает циклы, начатые после закрытия движка
type closingEngine struct {
	closed atomic.Bool
	late   atomic.Int32
	seq    atomic.Uint64
}

func (e *closingEngine) Cycle(context.Context) *telemetry.Snapshot {
	if e.closed.Load() {
		e.late.Add(1)
	}
	return &telemetry.Snapshot{Sequence: e.seq.Add(1)}
}

func TestTriggerRacingStop(t *testing.T) {
	engine := &closingEngine{}
	s := New(engine, &recordingSink{}, Options{Interval: time.Hour}, zap.NewNop())
	s.Start()

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					s.Trigger()
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	s.Stop()
	engine.closed.Store(true)

	time.Sleep(5 * time.Millisecond)
	close(done)
	wg.Wait()

	if n := engine.late.Load(); n != 0 {
		t.Errorf("cycles after Stop = %d, want 0", n)
	}
}
