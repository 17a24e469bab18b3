//go:build windows

package fallback

import (
	"context"
	"fmt"
	"strings"

	"hwtelemetry/internal/telemetry"

	"github.com/yusufpapurcu/wmi"
)

const (
	queryComputerSystem = "SELECT TotalPhysicalMemory FROM Win32_ComputerSystem"
	queryGPUEngines     = "SELECT Name, UtilizationPercentage FROM Win32_PerfRawData_GPUPerformanceCounters_GPUEngine"
	queryThermalZones   = "SELECT InstanceName, CurrentTemperature FROM MSAcpi_ThermalZoneTemperature"

	namespaceWMI = `root\WMI`
)

// wmiTables таблицы WMI
type wmiTables struct{}

func platformTables(Options) (Tables, error) {
	return wmiTables{}, nil
}

func (wmiTables) ComputerSystem(ctx context.Context) ([]ComputerSystem, error) {
	var rows []ComputerSystem
	err := queryWithContext(ctx, func() error {
		return wmi.Query(queryComputerSystem, &rows)
	})
	return rows, err
}

func (wmiTables) GPUEngines(ctx context.Context) ([]GPUEngine, error) {
	var rows []GPUEngine
	err := queryWithContext(ctx, func() error {
		return wmi.Query(queryGPUEngines, &rows)
	})
	if err != nil {
		return nil, classifyWMIError(err)
	}
	return rows, nil
}

// ThermalZones требует прав администратора
func (wmiTables) ThermalZones(ctx context.Context) ([]ThermalZone, error) {
	var rows []ThermalZone
	err := queryWithContext(ctx, func() error {
		return wmi.QueryNamespace(queryThermalZones, &rows, namespaceWMI)
	})
	if err != nil {
		return nil, classifyWMIError(err)
	}
	return rows, nil
}

// classifyWMIError сводит текст исключения WBEM к категории ошибки
func classifyWMIError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", telemetry.ErrPermissionDenied, err)
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "invalid class"):
		return fmt.Errorf("%w: %v", telemetry.ErrSourceUnavailable, err)
	default:
		return err
	}
}

// queryWithContext выполняет запрос WMI в отдельной горутине и
// прекращает ожидание по отмене контекста
func queryWithContext(ctx context.Context, query func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- query()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
