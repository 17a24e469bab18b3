// Package aggregator выполняет цикл опроса: опрашивает источники,
// сводит результаты в один снимок, классифицирует состояние и отмечает
// пропуски данных. Сбой одного источника не прерывает цикл.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hwtelemetry/internal/counters"
	"hwtelemetry/internal/fallback"
	"hwtelemetry/internal/privilege"
	"hwtelemetry/internal/sensors"
	"hwtelemetry/internal/telemetry"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CounterSource источник накопительных счетчиков
type CounterSource interface {
	Cores() int
	Prime(ctx context.Context) error
	Sample(ctx context.Context) (counters.Sample, error)
	Close() error
}

// SensorTree дерево датчиков
type SensorTree interface {
	Refresh(ctx context.Context) error
	ReadAll() ([]sensors.Entry, error)
	Close() error
}

// FallbackSource резервный источник запросов к таблицам
type FallbackSource interface {
	TotalMemoryGB(ctx context.Context) (*float64, error)
	GPUUtilizationPct(ctx context.Context) (*float64, error)
	ThermalZoneTemps(ctx context.Context) ([]fallback.Zone, error)
	Close() error
}

// Options параметры движка
type Options struct {
	Policy telemetry.Policy

	// SourceTimeout ограничение на один вызов источника
	SourceTimeout time.Duration

	Counters counters.Options
	Sensors  sensors.Options
	Fallback fallback.Options

	// Elevated сообщает, запущен ли процесс с повышенными правами
	Elevated func() bool
}

const defaultSourceTimeout = 750 * time.Millisecond

// Engine владеет источниками и выполняет циклы опроса
type Engine struct {
	counters CounterSource
	tree     SensorTree
	fallback FallbackSource

	cores    int
	policy   telemetry.Policy
	timeout  time.Duration
	elevated func() bool
	logger   *zap.Logger

	seq atomic.Uint64

	mu     sync.Mutex
	faults map[string]telemetry.Fault
	closed bool
}

// New создает движок из уже открытых источников. Любой источник может
// быть nil: его метрики станут пропусками.
func New(c CounterSource, t SensorTree, f FallbackSource, opts Options, logger *zap.Logger) *Engine {
	if opts.Policy == "" {
		opts.Policy = telemetry.PolicyLoad
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = defaultSourceTimeout
	}
	if opts.Elevated == nil {
		opts.Elevated = privilege.Elevated
	}

	e := &Engine{
		counters: c,
		tree:     t,
		fallback: f,
		policy:   opts.Policy,
		timeout:  opts.SourceTimeout,
		elevated: opts.Elevated,
		logger:   logger,
		faults:   make(map[string]telemetry.Fault),
	}
	if c != nil {
		e.cores = c.Cores()
	}
	return e
}

// Open открывает и подготавливает все три источника. Только
// ConfigurationFault прерывает создание движка; источник, который не
// удалось открыть, считается недоступным.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Engine, error) {
	var (
		counterSrc  CounterSource
		treeSrc     SensorTree
		fallbackSrc FallbackSource
	)

	cs, err := counters.New(ctx, opts.Counters, logger)
	switch {
	case errors.Is(err, telemetry.ErrConfigurationFault):
		return nil, err
	case err != nil:
		logger.Warn("Counter source unavailable", zap.Error(err))
	default:
		counterSrc = cs
	}

	tree, err := sensors.Open(ctx, opts.Sensors, logger)
	if err != nil {
		logger.Warn("Sensor tree unavailable", zap.Error(err))
	} else {
		treeSrc = tree
	}

	fb, err := fallback.Open(opts.Fallback, logger)
	if err != nil {
		logger.Warn("Fallback query source unavailable", zap.Error(err))
	} else {
		fallbackSrc = fb
	}

	e := New(counterSrc, treeSrc, fallbackSrc, opts, logger)

	if e.counters != nil {
		_, err := call(ctx, e.timeout, "counters.prime", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.counters.Prime(ctx)
		})
		if err != nil {
			logger.Warn("Failed to prime counters, first sample will prime them", zap.Error(err))
		}
	}

	logger.Info("Telemetry engine opened",
		zap.Int("cores", e.cores),
		zap.String("policy", string(e.policy)),
		zap.Duration("source_timeout", e.timeout),
		zap.Bool("counters", e.counters != nil),
		zap.Bool("sensor_tree", e.tree != nil),
		zap.Bool("fallback", e.fallback != nil))

	return e, nil
}

// Cores число логических ядер, зафиксированное при открытии
func (e *Engine) Cores() int {
	return e.cores
}

// Policy политика классификации состояния
func (e *Engine) Policy() telemetry.Policy {
	return e.policy
}

// Close освобождает все источники. Сбой одного освобождения не мешает
// остальным; ошибки объединяются.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs error
	if e.counters != nil {
		errs = multierr.Append(errs, release("counters", e.counters.Close))
	}
	if e.tree != nil {
		errs = multierr.Append(errs, release("sensor tree", e.tree.Close))
	}
	if e.fallback != nil {
		errs = multierr.Append(errs, release("fallback", e.fallback.Close))
	}

	if errs != nil {
		e.logger.Warn("Some sources failed to close", zap.Error(errs))
	} else {
		e.logger.Info("Telemetry engine closed")
	}
	return errs
}

func release(name string, closeFn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close %s: panic: %v", name, r)
		}
	}()
	if err := closeFn(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

// call выполняет вызов источника с ограничением по времени и
// перехватом паники. Опоздавший вызов доработает в фоне, его результат
// отбрасывается.
func call[T any](ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%s: panic: %v: %w", name, r, telemetry.ErrTransientRead)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

// observe логирует смену категории ошибки для вызова. Повторяющаяся
// ошибка логируется один раз.
func (e *Engine) observe(name string, err error) telemetry.Fault {
	fault := telemetry.FaultOf(err)

	e.mu.Lock()
	prev, seen := e.faults[name]
	e.faults[name] = fault
	e.mu.Unlock()

	if seen && prev == fault {
		return fault
	}

	switch fault {
	case telemetry.FaultNone:
		if seen {
			e.logger.Info("Source recovered",
				zap.String("call", name),
				zap.String("previous", prev.String()))
		}
	case telemetry.FaultSourceUnavailable:
		e.logger.Debug("Source unavailable",
			zap.String("call", name),
			zap.Error(err))
	case telemetry.FaultPermissionDenied:
		e.logger.Warn("Source requires elevated privilege",
			zap.String("call", name),
			zap.Error(err))
	case telemetry.FaultConfiguration:
		e.logger.Error("Source misconfigured",
			zap.String("call", name),
			zap.Error(err))
	default:
		e.logger.Warn("Source read failed",
			zap.String("call", name),
			zap.Error(err))
	}
	return fault
}
