package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hwtelemetry/internal/aggregator"
	"hwtelemetry/internal/logger"
	"hwtelemetry/internal/scheduler"
	"hwtelemetry/pkg/profiler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// statsInterval период записи статистики работы в журнал
const statsInterval = time.Minute

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll continuously and publish a snapshot every interval",
		Args:  cobra.NoArgs,
		RunE:  runMonitor,
	}
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Cleanup(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prof := profiler.New(profilerConfig(cfg), log)
	if err := prof.Start(); err != nil {
		return err
	}
	defer func() {
		if err := prof.Stop(); err != nil {
			log.Warn("Failed to stop profiler", zap.Error(err))
		}
	}()

	engine, err := aggregator.Open(ctx, engineOptions(cfg), log)
	if err != nil {
		return fmt.Errorf("open telemetry engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("Failed to release sources", zap.Error(err))
		}
	}()

	sinks, tui, err := buildSinks(cfg, log, false, stop)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Warn("Failed to close outputs", zap.Error(err))
		}
	}()

	sched := scheduler.New(engine, sinks, scheduler.Options{
		Interval:     cfg.Interval,
		CycleTimeout: cfg.CycleTimeout,
	}, log)
	sched.Start()

	log.Info("Hardware telemetry started",
		zap.Strings("outputs", cfg.Outputs),
		zap.Duration("interval", cfg.Interval))

	if tui != nil {
		go func() {
			<-ctx.Done()
			tui.Close()
		}()
		err = tui.Run()
		stop()
	} else {
		waitForShutdown(ctx, sched, prof)
	}

	// планировщик останавливается раньше источников и приемников
	sched.Stop()
	log.Info("Hardware telemetry stopped")
	return err
}

// waitForShutdown ждет сигнала, периодически записывая статистику
func waitForShutdown(ctx context.Context, sched *scheduler.Scheduler, prof *profiler.Profiler) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sched.Stats()
			prof.LogMemStats(
				zap.Uint64("cycles", stats.Cycles),
				zap.Uint64("skipped", stats.Skipped),
				zap.Uint64("dropped", stats.Dropped))
		}
	}
}
