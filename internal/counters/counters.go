// Package counters реализует источник накопительных счетчиков ОС:
// общая загрузка CPU, загрузка каждого логического ядра и доступная память.
package counters

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"hwtelemetry/internal/telemetry"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TimesFunc читает накопительные времена CPU (gopsutil cpu.TimesWithContext)
type TimesFunc func(ctx context.Context, perCPU bool) ([]cpu.TimesStat, error)

// MemoryFunc читает состояние памяти (gopsutil mem.VirtualMemoryWithContext)
type MemoryFunc func(ctx context.Context) (*mem.VirtualMemoryStat, error)

// CountsFunc возвращает число логических процессоров
type CountsFunc func(ctx context.Context, logical bool) (int, error)

// Options параметры источника счетчиков
type Options struct {
	// ExpectedCores ожидаемое число логических ядер, 0 - не проверять
	ExpectedCores int

	Times  TimesFunc
	Memory MemoryFunc
	Counts CountsFunc
}

// Sample одно чтение счетчиков
type Sample struct {
	CPUTotalPct       *float64
	CorePcts          []*float64
	MemoryAvailableMB *float64
}

// Source источник счетчиков. Число ядер фиксируется при создании.
type Source struct {
	mu     sync.Mutex
	times  TimesFunc
	memory MemoryFunc
	logger *zap.Logger

	cores     int
	prevTotal *cpu.TimesStat
	prevCores []*cpu.TimesStat
	primed    bool
	closed    bool
}

// New создает источник и определяет число логических ядер
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Source, error) {
	if opts.Times == nil {
		opts.Times = cpu.TimesWithContext
	}
	if opts.Memory == nil {
		opts.Memory = mem.VirtualMemoryWithContext
	}
	if opts.Counts == nil {
		opts.Counts = cpu.CountsWithContext
	}

	cores, err := opts.Counts(ctx, true)
	if err != nil || cores <= 0 {
		logger.Warn("Failed to count logical processors, falling back to runtime.NumCPU",
			zap.Error(err))
		cores = runtime.NumCPU()
	}

	if opts.ExpectedCores > 0 && opts.ExpectedCores != cores {
		return nil, fmt.Errorf("%w: expected %d logical cores, discovered %d",
			telemetry.ErrConfigurationFault, opts.ExpectedCores, cores)
	}

	logger.Debug("Counter source created", zap.Int("logical_cores", cores))

	return &Source{
		times:     opts.Times,
		memory:    opts.Memory,
		logger:    logger,
		cores:     cores,
		prevCores: make([]*cpu.TimesStat, cores),
	}, nil
}

// Cores число логических ядер, определенное при создании
func (s *Source) Cores() int {
	return s.cores
}

// Prime делает первое чтение всех счетчиков и отбрасывает его:
// проценты считаются по разнице между двумя чтениями.
func (s *Source) Prime(ctx context.Context) error {
	if !s.mu.TryLock() {
		return fmt.Errorf("prime counters: %w", telemetry.ErrBusy)
	}
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("prime counters: %w", telemetry.ErrSourceUnavailable)
	}

	_, _, err := s.advance(ctx)
	s.primed = true
	return err
}

// Sample читает счетчики. Ошибка одной части не отменяет остальные:
// недоступные значения возвращаются как nil, ошибки объединяются.
func (s *Source) Sample(ctx context.Context) (Sample, error) {
	sample := Sample{CorePcts: make([]*float64, s.cores)}

	if !s.mu.TryLock() {
		return sample, fmt.Errorf("sample counters: %w", telemetry.ErrBusy)
	}
	defer s.mu.Unlock()

	if s.closed {
		return sample, fmt.Errorf("sample counters: %w", telemetry.ErrSourceUnavailable)
	}

	wasPrimed := s.primed
	total, cores, err := s.advance(ctx)
	s.primed = true
	if wasPrimed {
		sample.CPUTotalPct = total
		copy(sample.CorePcts, cores)
	}

	vm, memErr := s.memory(ctx)
	if memErr != nil {
		err = multierr.Append(err, fmt.Errorf("available memory: %w", memErr))
	} else if vm != nil {
		sample.MemoryAvailableMB = telemetry.Float(float64(vm.Available) / (1024 * 1024))
	}

	return sample, err
}

// Close освобождает источник; последующие чтения вернут ErrSourceUnavailable
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.prevTotal = nil
	s.prevCores = nil
	return nil
}

// advance читает текущие времена, считает проценты относительно предыдущих
// и запоминает новые значения.
func (s *Source) advance(ctx context.Context) (*float64, []*float64, error) {
	var (
		errs  error
		total *float64
		cores = make([]*float64, s.cores)
	)

	totals, err := s.times(ctx, false)
	switch {
	case err != nil:
		errs = multierr.Append(errs, fmt.Errorf("total cpu times: %w", err))
		s.prevTotal = nil
	case len(totals) == 0:
		errs = multierr.Append(errs, fmt.Errorf("total cpu times: %w", telemetry.ErrTransientRead))
		s.prevTotal = nil
	default:
		cur := totals[0]
		total = percent(s.prevTotal, &cur)
		s.prevTotal = &cur
	}

	perCore, err := s.times(ctx, true)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("per-core cpu times: %w", err))
		perCore = nil
	}

	seen := make([]*cpu.TimesStat, s.cores)
	for i := range perCore {
		idx := coreIndex(perCore[i].CPU, i)
		if idx < 0 || idx >= s.cores {
			continue
		}
		cur := perCore[i]
		seen[idx] = &cur
	}
	for i := range seen {
		if seen[i] == nil {
			continue
		}
		cores[i] = percent(s.prevCores[i], seen[i])
	}
	// пропавшее ядро начнет отсчет заново, когда вернется
	s.prevCores = seen

	return total, cores, errs
}

// percent загрузка между двумя чтениями; nil, если первого чтения нет
// или время не прошло
func percent(prev, cur *cpu.TimesStat) *float64 {
	if prev == nil || cur == nil {
		return nil
	}

	idlePrev := prev.Idle + prev.Iowait
	idleCur := cur.Idle + cur.Iowait
	totalDelta := cur.Total() - prev.Total()
	if totalDelta <= 0 {
		return nil
	}

	busy := 100 * (1 - (idleCur-idlePrev)/totalDelta)
	switch {
	case busy < 0:
		busy = 0
	case busy > 100:
		busy = 100
	}
	return &busy
}

// coreIndex извлекает номер ядра из имени вида "cpu3"
func coreIndex(name string, fallback int) int {
	idx, err := strconv.Atoi(strings.TrimPrefix(name, "cpu"))
	if err != nil {
		return fallback
	}
	return idx
}
