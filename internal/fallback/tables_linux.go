//go:build linux

package fallback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// sysfsTables таблицы, собранные из sysinfo(2) и sysfs в тех же
// единицах, что и WMI
type sysfsTables struct {
	root    string
	sysinfo func(info *unix.Sysinfo_t) error
}

func platformTables(opts Options) (Tables, error) {
	return &sysfsTables{root: opts.SysfsRoot, sysinfo: unix.Sysinfo}, nil
}

func (t *sysfsTables) ComputerSystem(ctx context.Context) ([]ComputerSystem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var info unix.Sysinfo_t
	if err := t.sysinfo(&info); err != nil {
		return nil, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return []ComputerSystem{{TotalPhysicalMemory: uint64(info.Totalram) * unit}}, nil
}

// GPUEngines одна строка на карту DRM с gpu_busy_percent
func (t *sysfsTables) GPUEngines(ctx context.Context) ([]GPUEngine, error) {
	cards, err := filepath.Glob(filepath.Join(t.root, "class/drm/card[0-9]*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(cards)

	var (
		rows []GPUEngine
		errs error
	)
	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := filepath.Base(card)
		// card0-DP-1 и подобные записи это коннекторы, не карты
		if strings.Contains(name, "-") {
			continue
		}
		value, err := readUint(filepath.Join(card, "device/gpu_busy_percent"))
		if err != nil {
			if !os.IsNotExist(err) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		rows = append(rows, GPUEngine{Name: name, UtilizationPercentage: value})
	}
	if len(rows) == 0 {
		return nil, errs
	}
	return rows, nil
}

// ThermalZones переводит /sys/class/thermal (милли-°C) в десятые доли
// кельвина
func (t *sysfsTables) ThermalZones(ctx context.Context) ([]ThermalZone, error) {
	zones, err := filepath.Glob(filepath.Join(t.root, "class/thermal/thermal_zone[0-9]*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(zones)

	var (
		rows []ThermalZone
		errs error
	)
	for _, zone := range zones {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(zone, "temp"))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", zone, err))
			continue
		}
		tenthsK := milliToTenthsKelvin(milli)
		if tenthsK <= 0 {
			continue
		}

		name := filepath.Base(zone)
		if typ, err := os.ReadFile(filepath.Join(zone, "type")); err == nil {
			name = strings.TrimSpace(string(typ))
		}
		rows = append(rows, ThermalZone{InstanceName: name, CurrentTemperature: uint32(tenthsK)})
	}
	return rows, errs
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// milliToTenthsKelvin переводит м°C в десятые доли кельвина с
// округлением до ближайшего
func milliToTenthsKelvin(milli int64) int64 {
	if milli < 0 {
		return (milli-50)/100 + 2732
	}
	return (milli+50)/100 + 2732
}
