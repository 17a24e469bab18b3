//go:build !linux && !windows

package fallback

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"hwtelemetry/internal/telemetry"
)

// unsupportedTables на прочих платформах все таблицы недоступны
type unsupportedTables struct{}

func platformTables(Options) (Tables, error) {
	return unsupportedTables{}, nil
}

func errUnsupported() error {
	return fmt.Errorf("%w: %s: %w", telemetry.ErrSourceUnavailable, runtime.GOOS, errors.ErrUnsupported)
}

func (unsupportedTables) ComputerSystem(context.Context) ([]ComputerSystem, error) {
	return nil, errUnsupported()
}

func (unsupportedTables) GPUEngines(context.Context) ([]GPUEngine, error) {
	return nil, errUnsupported()
}

func (unsupportedTables) ThermalZones(context.Context) ([]ThermalZone, error) {
	return nil, errUnsupported()
}
