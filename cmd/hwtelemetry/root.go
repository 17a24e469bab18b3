package main

import (
	"fmt"
	"time"

	"hwtelemetry/internal/aggregator"
	"hwtelemetry/internal/config"
	"hwtelemetry/internal/counters"
	"hwtelemetry/internal/fallback"
	"hwtelemetry/internal/logger"
	"hwtelemetry/internal/privilege"
	"hwtelemetry/internal/sensors"
	"hwtelemetry/internal/sink"
	"hwtelemetry/pkg/profiler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// maxCommandTimeout ограничение на один вызов nvidia-smi
const maxCommandTimeout = 500 * time.Millisecond

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hwtelemetry",
		Short:         "Hardware telemetry aggregator",
		Long:          "Polls CPU counters, hardware sensors and fallback system tables and publishes one merged snapshot per interval",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	config.AddFlags(root)

	root.AddCommand(newRunCommand(), newSnapshotCommand(), newTreeCommand())
	return root
}

// setup загружает конфигурацию и создает логгер для подкоманды
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg := config.NewConfig()
	if err := cfg.Load(cmd); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	if !privilege.Elevated() {
		log.Warn("Running without elevated privilege, temperature, fan and some GPU readings may be unavailable")
	}
	return cfg, log, nil
}

func engineOptions(cfg *config.Config) aggregator.Options {
	return aggregator.Options{
		Policy:        cfg.Policy(),
		SourceTimeout: cfg.SourceTimeout,
		Counters: counters.Options{
			ExpectedCores: cfg.ExpectedCores,
		},
		Sensors: sensorOptions(cfg),
		Fallback: fallback.Options{
			SysfsRoot: cfg.SysfsRoot,
		},
	}
}

func sensorOptions(cfg *config.Config) sensors.Options {
	return sensors.Options{
		Capabilities:   cfg.Capabilities(),
		SysfsRoot:      cfg.SysfsRoot,
		NvidiaSMI:      cfg.NvidiaSMI,
		CommandTimeout: min(cfg.SourceTimeout, maxCommandTimeout),
	}
}

func profilerConfig(cfg *config.Config) profiler.Config {
	return profiler.Config{
		Enable:      cfg.ProfileEnable,
		HTTPPort:    cfg.ProfileHTTPPort,
		CPUProfile:  cfg.ProfileCPUFile,
		MemProfile:  cfg.ProfileMemFile,
		ProfileTime: cfg.ProfileTime,
	}
}

func zabbixOptions(cfg *config.Config) sink.ZabbixOptions {
	return sink.ZabbixOptions{
		Server:           cfg.ZabbixServer,
		Port:             cfg.ZabbixPort,
		Host:             cfg.ZabbixHost,
		Timeout:          cfg.ZabbixTimeout,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoffBase: cfg.RetryBackoffBase,
	}
}

// buildSinks создает приемники из списка output. TUI возвращается
// отдельно: его цикл событий должен работать в основной горутине.
// oneShot отключает приемники, которым нужен долгоживущий процесс.
func buildSinks(cfg *config.Config, log *zap.Logger, oneShot bool, onQuit func()) (sink.Multi, *sink.TUI, error) {
	var (
		sinks sink.Multi
		tui   *sink.TUI
	)

	for _, out := range cfg.Outputs {
		switch out {
		case config.OutputConsole:
			sinks = append(sinks, sink.NewConsole(nil))
		case config.OutputJSON:
			sinks = append(sinks, sink.NewJSON(nil))
		case config.OutputZabbix:
			sinks = append(sinks, sink.NewZabbix(zabbixOptions(cfg), log))
		case config.OutputTUI:
			if oneShot {
				sinks = append(sinks, sink.NewConsole(nil))
				continue
			}
			tui = sink.NewTUI(onQuit)
			sinks = append(sinks, tui)
		case config.OutputDBus:
			if oneShot {
				log.Warn("D-Bus output ignored for a single snapshot")
				continue
			}
			d, err := sink.NewDBus()
			if err != nil {
				_ = sinks.Close()
				return nil, nil, fmt.Errorf("start d-bus output: %w", err)
			}
			sinks = append(sinks, d)
		}
	}

	return sinks, tui, nil
}
