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

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func newSnapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Take a single snapshot after one interval and print it",
		Args:  cobra.NoArgs,
		RunE:  takeSnapshot,
	}
}

func takeSnapshot(cmd *cobra.Command, _ []string) (err error) {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Cleanup(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := aggregator.Open(ctx, engineOptions(cfg), log)
	if err != nil {
		return fmt.Errorf("open telemetry engine: %w", err)
	}
	defer func() {
		err = multierr.Append(err, engine.Close())
	}()

	sinks, _, err := buildSinks(cfg, log, true, nil)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, sinks.Close())
	}()

	// загрузка CPU считается как разница двух показаний счетчиков
	select {
	case <-time.After(cfg.Interval):
	case <-ctx.Done():
		return ctx.Err()
	}

	cycleCtx, cancel := context.WithTimeout(ctx, cfg.Interval)
	defer cancel()
	snap := engine.Cycle(cycleCtx)

	log.Debug("Snapshot taken",
		zap.Uint64("sequence", snap.Sequence),
		zap.Int("gaps", len(snap.DataGaps)))

	publishCtx, cancelPublish := context.WithTimeout(ctx, cfg.ZabbixTimeout)
	defer cancelPublish()
	return sinks.Publish(publishCtx, snap)
}
