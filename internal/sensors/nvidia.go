package sensors

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"hwtelemetry/internal/telemetry"

	"go.uber.org/zap"
)

// CommandFunc запускает внешнюю утилиту и возвращает ее вывод
type CommandFunc func(ctx context.Context, name string, args ...string) (string, error)

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", name, telemetry.ErrSourceUnavailable)
	}
	return string(out), err
}

const nvidiaQueryFields = "utilization.gpu,temperature.gpu,fan.speed"

// enumerateNvidia находит GPU NVIDIA через nvidia-smi. Отсутствие утилиты
// или драйвера означает отсутствие устройств.
func enumerateNvidia(ctx context.Context, opts Options, logger *zap.Logger) []*Device {
	out, err := callBounded(ctx, opts, opts.NvidiaSMI,
		"--query-gpu=index,name", "--format=csv,noheader")
	if err != nil {
		logger.Debug("nvidia-smi enumeration failed", zap.Error(err))
		return nil
	}

	var devices []*Device
	names := make(map[string]int)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := splitCSV(line)
		if len(fields) < 2 {
			continue
		}
		index := fields[0]
		if _, err := strconv.Atoi(index); err != nil {
			continue
		}

		device := &Device{
			Name: uniqueName(names, fields[1]),
			Kind: KindGpuNvidia,
			Readings: []*Reading{
				{Kind: telemetry.GpuLoad, Label: "GPU Core", Unit: telemetry.UnitPercent},
				{Kind: telemetry.Temperature, Label: "GPU Core", Unit: telemetry.UnitCelsius},
				{Kind: telemetry.Control, Label: "GPU Fan", Unit: telemetry.UnitPercent},
			},
		}
		device.update = nvidiaUpdater(opts, index)
		devices = append(devices, device)
	}
	return devices
}

// nvidiaUpdater опрашивает одну карту по индексу. Значения "[N/A]" и
// "[Not Supported]" дают nil.
func nvidiaUpdater(opts Options, index string) func(ctx context.Context, d *Device) error {
	return func(ctx context.Context, d *Device) error {
		out, err := callBounded(ctx, opts, opts.NvidiaSMI,
			"--id="+index,
			"--query-gpu="+nvidiaQueryFields,
			"--format=csv,noheader,nounits")
		if err != nil {
			for _, r := range d.Readings {
				r.Value = nil
			}
			return fmt.Errorf("query nvidia gpu %s: %w", index, err)
		}

		fields := splitCSV(strings.TrimSpace(out))
		for i, r := range d.Readings {
			if i >= len(fields) {
				r.Value = nil
				continue
			}
			r.Value = parseNvidiaValue(fields[i])
		}
		return nil
	}
}

func callBounded(ctx context.Context, opts Options, name string, args ...string) (string, error) {
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return opts.Run(ctx, name, args...)
}

func parseNvidiaValue(field string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return nil
	}
	return telemetry.Float(v)
}

func splitCSV(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
