package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hwtelemetry/internal/telemetry"
	"hwtelemetry/internal/zabbix"
	pkgzabbix "hwtelemetry/pkg/zabbix"

	"go.uber.org/zap"
)

// ZabbixOptions параметры отправки в Zabbix
type ZabbixOptions struct {
	Server           string
	Port             int
	Host             string
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoffBase time.Duration
}

// sender отправка пакета; *zabbix.Sender или подмена в тестах
type sender interface {
	SendData(ctx context.Context, items []pkgzabbix.Item) (pkgzabbix.Result, error)
}

// Zabbix отправляет значения снимка в элементы данных типа trapper.
// Пропуски не отправляются: на стороне Zabbix они видны как nodata.
type Zabbix struct {
	sender  sender
	host    string
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

// NewZabbix создает приемник Zabbix
func NewZabbix(opts ZabbixOptions, logger *zap.Logger) *Zabbix {
	return newZabbix(zabbix.NewSender(opts.Server, opts.Port, opts.Timeout, logger), opts, logger)
}

func newZabbix(s sender, opts ZabbixOptions, logger *zap.Logger) *Zabbix {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &Zabbix{
		sender:  s,
		host:    opts.Host,
		retries: opts.MaxRetries,
		backoff: opts.RetryBackoffBase,
		logger:  logger,
	}
}

func (z *Zabbix) Publish(ctx context.Context, snap *telemetry.Snapshot) error {
	items := SnapshotItems(z.host, snap)
	return z.sendWithRetry(ctx, items)
}

func (z *Zabbix) Close() error { return nil }

// sendWithRetry отправляет значения с повторными попытками
func (z *Zabbix) sendWithRetry(ctx context.Context, items []pkgzabbix.Item) error {
	var lastErr error
	backoff := z.backoff

	for attempt := 0; attempt < z.retries; attempt++ {
		if attempt > 0 {
			z.logger.Warn("Retrying zabbix send",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", z.retries),
				zap.Duration("backoff", backoff))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("zabbix send: %w (last error: %v)", ctx.Err(), lastErr)
			}
			backoff *= 2
		}

		result, err := z.sender.SendData(ctx, items)
		if err == nil {
			if result.Failed > 0 {
				z.logger.Warn("Zabbix did not accept some items",
					zap.Int("failed", result.Failed),
					zap.Int("processed", result.Processed),
					zap.Int("total", result.Total))
			}
			if attempt > 0 {
				z.logger.Info("Items sent successfully after retry",
					zap.Int("attempts", attempt+1))
			}
			return nil
		}

		lastErr = err
		// отказ сервера повтором не исправить
		if errors.Is(err, zabbix.ErrRejected) {
			break
		}
	}

	return fmt.Errorf("failed to send items after %d attempts: %w", z.retries, lastErr)
}

// SnapshotItems превращает снимок в значения элементов данных.
// Температуры и вентиляторы сопровождаются данными низкоуровневого
// обнаружения.
func SnapshotItems(host string, snap *telemetry.Snapshot) []pkgzabbix.Item {
	clock := snap.Timestamp.Unix()
	ns := int64(snap.Timestamp.Nanosecond())

	var items []pkgzabbix.Item
	add := func(key, value string) {
		items = append(items, pkgzabbix.Item{Host: host, Key: key, Value: value, Clock: clock, NS: ns})
	}
	addFloat := func(key string, v *float64) {
		if v != nil {
			add(key, strconv.FormatFloat(*v, 'f', 2, 64))
		}
	}

	add("hwt.health", string(snap.Health))
	addFloat("hwt.cpu.load", snap.CPUTotalPct)
	for i, core := range snap.CorePcts {
		addFloat(fmt.Sprintf("hwt.cpu.core[%d]", i), core)
	}
	addFloat("hwt.cpu.temperature", snap.CPUTemperature)
	addFloat("hwt.memory.total", snap.MemoryTotalGB)
	addFloat("hwt.memory.available", snap.MemoryAvailableGB)
	addFloat("hwt.memory.used", snap.MemoryUsedGB)
	addFloat("hwt.memory.pused", snap.MemoryUsedPct)
	addFloat("hwt.gpu.load", snap.GPULoadPct)

	tempKeys := sortedKeys(snap.Temperatures)
	add("hwt.temperature.discovery", discovery(tempKeys))
	for _, key := range tempKeys {
		t := snap.Temperatures[key]
		addFloat("hwt.temperature["+pkgzabbix.KeyParam(key)+"]", &t.Celsius)
	}

	fanKeys := sortedKeys(snap.Fans)
	add("hwt.fan.discovery", discovery(fanKeys))
	for _, key := range fanKeys {
		f := snap.Fans[key]
		addFloat("hwt.fan["+pkgzabbix.KeyParam(key)+"]", &f.Value)
		add("hwt.fan.state["+pkgzabbix.KeyParam(key)+"]", string(f.State))
	}

	gaps := make([]string, 0, len(snap.DataGaps))
	for _, kind := range sortedGaps(snap.DataGaps) {
		gaps = append(gaps, kind.String())
	}
	add("hwt.gaps", strings.Join(gaps, ","))

	return items
}

// discovery данные LLD: [{"{#SENSOR}":"..."}]
func discovery(names []string) string {
	rows := make([]map[string]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, map[string]string{"{#SENSOR}": name})
	}
	data, _ := json.Marshal(rows)
	return string(data)
}
