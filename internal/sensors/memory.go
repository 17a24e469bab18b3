package sensors

import (
	"context"
	"fmt"

	"hwtelemetry/internal/telemetry"

	"github.com/shirou/gopsutil/v3/mem"
)

const bytesPerGB = 1024 * 1024 * 1024

// newMemoryDevice узел общей памяти: полный и доступный объем в ГБ
func newMemoryDevice(memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)) *Device {
	d := &Device{
		Name: "Generic Memory",
		Kind: KindMemory,
		Readings: []*Reading{
			{Kind: telemetry.MemoryTotal, Label: "Memory Total", Unit: telemetry.UnitGigabytes},
			{Kind: telemetry.MemoryAvailable, Label: "Memory Available", Unit: telemetry.UnitGigabytes},
		},
	}
	d.update = func(ctx context.Context, d *Device) error {
		vm, err := memory(ctx)
		if err != nil || vm == nil || vm.Total == 0 {
			for _, r := range d.Readings {
				r.Value = nil
			}
			if err == nil {
				err = telemetry.ErrTransientRead
			}
			return fmt.Errorf("virtual memory: %w", err)
		}
		d.Readings[0].Value = telemetry.Float(float64(vm.Total) / bytesPerGB)
		d.Readings[1].Value = telemetry.Float(float64(vm.Available) / bytesPerGB)
		return nil
	}
	return d
}
