// Package fallback реализует резервный источник: запросы к таблицам
// инструментирования системы (WMI на Windows, sysfs/sysinfo на Linux).
// Используется, когда дерево датчиков не дало нужного значения.
package fallback

import (
	"context"
	"fmt"
	"sync"

	"hwtelemetry/internal/telemetry"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ComputerSystem строка таблицы Win32_ComputerSystem
type ComputerSystem struct {
	TotalPhysicalMemory uint64
}

// GPUEngine строка таблицы Win32_PerfRawData_GPUPerformanceCounters_GPUEngine
type GPUEngine struct {
	Name                  string
	UtilizationPercentage uint64
}

// ThermalZone строка таблицы MSAcpi_ThermalZoneTemperature.
// CurrentTemperature в десятых долях кельвина.
type ThermalZone struct {
	InstanceName       string
	CurrentTemperature uint32
}

// Tables поставщик таблиц инструментирования
type Tables interface {
	ComputerSystem(ctx context.Context) ([]ComputerSystem, error)
	GPUEngines(ctx context.Context) ([]GPUEngine, error)
	ThermalZones(ctx context.Context) ([]ThermalZone, error)
}

// Zone температура тепловой зоны в градусах Цельсия
type Zone struct {
	Name    string  `json:"name"`
	Celsius float64 `json:"celsius"`
}

// Options параметры резервного источника
type Options struct {
	// SysfsRoot корень sysfs для поставщика таблиц на Linux
	SysfsRoot string
}

// Source резервный источник. Не реентерабелен: параллельный запрос
// получает ErrBusy.
type Source struct {
	mu     sync.Mutex
	tables Tables
	closed bool
	logger *zap.Logger
}

// New создает источник поверх заданного поставщика таблиц
func New(tables Tables, logger *zap.Logger) *Source {
	return &Source{tables: tables, logger: logger}
}

// Open создает источник с поставщиком таблиц текущей платформы
func Open(opts Options, logger *zap.Logger) (*Source, error) {
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = "/sys"
	}
	tables, err := platformTables(opts)
	if err != nil {
		return nil, fmt.Errorf("open fallback tables: %w", err)
	}
	logger.Info("Fallback query source opened", zap.String("tables", fmt.Sprintf("%T", tables)))
	return New(tables, logger), nil
}

const bytesPerGB = 1024 * 1024 * 1024

// TotalMemoryGB полный объем физической памяти
func (s *Source) TotalMemoryGB(ctx context.Context) (*float64, error) {
	unlock, err := s.acquire("total memory")
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.tables.ComputerSystem(ctx)
	if err != nil {
		return nil, fmt.Errorf("query computer system: %w", err)
	}
	for _, row := range rows {
		if row.TotalPhysicalMemory > 0 {
			return telemetry.Float(float64(row.TotalPhysicalMemory) / bytesPerGB), nil
		}
	}
	return nil, nil
}

// GPUUtilizationPct максимальная загрузка среди движков GPU
func (s *Source) GPUUtilizationPct(ctx context.Context) (*float64, error) {
	unlock, err := s.acquire("gpu utilization")
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.tables.GPUEngines(ctx)
	if err != nil {
		return nil, fmt.Errorf("query gpu engines: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var max uint64
	for _, row := range rows {
		if row.UtilizationPercentage > max {
			max = row.UtilizationPercentage
		}
	}
	if max > 100 {
		max = 100
	}
	return telemetry.Float(float64(max)), nil
}

// ThermalZoneTemps температуры тепловых зон ACPI. Зоны с нулевым
// значением пропускаются. Ошибка возвращается только если не прочитана
// ни одна зона.
func (s *Source) ThermalZoneTemps(ctx context.Context) ([]Zone, error) {
	unlock, err := s.acquire("thermal zones")
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.tables.ThermalZones(ctx)
	var zones []Zone
	for _, row := range rows {
		if row.CurrentTemperature == 0 {
			continue
		}
		zones = append(zones, Zone{
			Name:    row.InstanceName,
			Celsius: KelvinTenthsToCelsius(row.CurrentTemperature),
		})
	}
	if len(zones) == 0 && err != nil {
		return nil, fmt.Errorf("query thermal zones: %w", err)
	}
	if err != nil {
		s.logger.Debug("Some thermal zones could not be read", zap.Error(err))
	}
	return zones, nil
}

// Close закрывает источник
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs error
	if c, ok := s.tables.(interface{ Close() error }); ok {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}

func (s *Source) acquire(what string) (func(), error) {
	if !s.mu.TryLock() {
		return nil, fmt.Errorf("%s: %w", what, telemetry.ErrBusy)
	}
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", what, telemetry.ErrSourceUnavailable)
	}
	return s.mu.Unlock, nil
}

// KelvinTenthsToCelsius переводит десятые доли кельвина в градусы Цельсия
func KelvinTenthsToCelsius(raw uint32) float64 {
	return (float64(raw) - 2732) / 10
}
