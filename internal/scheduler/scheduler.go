package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hwtelemetry/internal/sink"
	"hwtelemetry/internal/telemetry"

	"go.uber.org/zap"
)

// Engine выполняет один цикл опроса
type Engine interface {
	Cycle(ctx context.Context) *telemetry.Snapshot
}

// Options параметры планировщика
type Options struct {
	Interval     time.Duration
	CycleTimeout time.Duration
}

// Stats статистика работы планировщика
type Stats struct {
	Cycles        uint64 `json:"cycles"`
	Skipped       uint64 `json:"skipped"`
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
	PublishErrors uint64 `json:"publish_errors"`
	Running       bool   `json:"running"`
}

// Scheduler запускает циклы с фиксированным интервалом. Циклы не
// перекрываются: тик, пришедший во время цикла, пропускается. Снимки
// передаются приемнику из одной горутины-диспетчера.
type Scheduler struct {
	engine       Engine
	sink         sink.Sink
	interval     time.Duration
	cycleTimeout time.Duration
	logger       *zap.Logger

	// mu связывает проверку остановки в Trigger с cycles.Add
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	busy    atomic.Bool
	mailbox chan *telemetry.Snapshot

	loopDone     chan struct{}
	dispatchQuit chan struct{}
	dispatchDone chan struct{}
	cycles       sync.WaitGroup
	stopOnce     sync.Once

	stats struct {
		cycles, skipped, published, dropped, publishErrors atomic.Uint64
	}
}

// New создает новый планировщик
func New(engine Engine, s sink.Sink, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.CycleTimeout <= 0 || opts.CycleTimeout > opts.Interval {
		opts.CycleTimeout = opts.Interval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		engine:       engine,
		sink:         s,
		interval:     opts.Interval,
		cycleTimeout: opts.CycleTimeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		mailbox:      make(chan *telemetry.Snapshot, 1),
		loopDone:     make(chan struct{}),
		dispatchQuit: make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
}

// Start запускает планировщик
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("Starting scheduler",
		zap.Duration("interval", s.interval),
		zap.Duration("cycle_timeout", s.cycleTimeout))

	go s.dispatchLoop()
	go s.pollingLoop()

	s.logger.Info("Scheduler started successfully")
}

// Stop останавливает планировщик: новые циклы не запускаются, текущий
// дорабатывает, последний снимок доставляется приемнику
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		if s.started.CompareAndSwap(false, true) {
			s.cycles.Wait()
			close(s.dispatchDone)
			return
		}
		<-s.loopDone
		s.cycles.Wait()
		close(s.dispatchQuit)
		<-s.dispatchDone
		s.logger.Info("Scheduler stopped", zap.Any("stats", s.Stats()))
	})
}

// Wait ожидает полной остановки планировщика
func (s *Scheduler) Wait() {
	<-s.dispatchDone
}

// Trigger запускает цикл, если предыдущий уже завершился. Возвращает
// false, если цикл пропущен.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		n := s.stats.skipped.Add(1)
		s.logger.Debug("Previous cycle still running, tick skipped", zap.Uint64("skipped", n))
		return false
	}

	s.cycles.Add(1)
	go s.runCycle()
	return true
}

// Stats возвращает статистику работы
func (s *Scheduler) Stats() Stats {
	return Stats{
		Cycles:        s.stats.cycles.Load(),
		Skipped:       s.stats.skipped.Load(),
		Published:     s.stats.published.Load(),
		Dropped:       s.stats.dropped.Load(),
		PublishErrors: s.stats.publishErrors.Load(),
		Running:       s.ctx.Err() == nil,
	}
}

// pollingLoop основной цикл опроса
func (s *Scheduler) pollingLoop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Первый цикл сразу
	s.Trigger()

	for {
		select {
		case <-ticker.C:
			s.Trigger()
		case <-s.ctx.Done():
			s.logger.Info("Polling loop stopped")
			return
		}
	}
}

func (s *Scheduler) runCycle() {
	defer s.cycles.Done()
	defer s.busy.Store(false)

	start := time.Now()

	// Контекст не наследует отмену планировщика: начатый цикл дорабатывает
	ctx, cancel := context.WithTimeout(context.Background(), s.cycleTimeout)
	defer cancel()

	snap := s.engine.Cycle(ctx)
	s.stats.cycles.Add(1)

	s.logger.Debug("Cycle completed",
		zap.Uint64("sequence", snap.Sequence),
		zap.Duration("cycle_time", time.Since(start)),
		zap.String("health", string(snap.Health)),
		zap.Int("gaps", len(snap.DataGaps)))

	s.deliver(snap)
}

// deliver кладет снимок в почтовый ящик глубины 1. Если диспетчер не
// успел забрать предыдущий, тот заменяется новым.
func (s *Scheduler) deliver(snap *telemetry.Snapshot) {
	for {
		select {
		case s.mailbox <- snap:
			return
		default:
		}
		select {
		case <-s.mailbox:
			s.stats.dropped.Add(1)
		default:
		}
	}
}

// dispatchLoop единственное место, где вызывается приемник
func (s *Scheduler) dispatchLoop() {
	defer close(s.dispatchDone)

	for {
		select {
		case snap := <-s.mailbox:
			s.publish(snap)
		case <-s.dispatchQuit:
			select {
			case snap := <-s.mailbox:
				s.publish(snap)
			default:
			}
			s.logger.Info("Dispatcher stopped")
			return
		}
	}
}

func (s *Scheduler) publish(snap *telemetry.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	start := time.Now()
	if err := s.sink.Publish(ctx, snap); err != nil {
		s.stats.publishErrors.Add(1)
		s.logger.Warn("Failed to publish snapshot",
			zap.Uint64("sequence", snap.Sequence),
			zap.Error(err))
		return
	}
	s.stats.published.Add(1)
	s.logger.Debug("Snapshot published",
		zap.Uint64("sequence", snap.Sequence),
		zap.Duration("publish_time", time.Since(start)))
}
