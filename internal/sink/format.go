package sink

import (
	"encoding/json"
	"fmt"
	"sort"

	"hwtelemetry/internal/telemetry"
)

const notAvailable = "N/A"

func marshalSnapshot(snap *telemetry.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// formatValue значение с единицей или N/A для пропуска
func formatValue(v *float64, format string) string {
	if v == nil {
		return notAvailable
	}
	return fmt.Sprintf(format, *v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedGaps(gaps map[telemetry.MetricKind]telemetry.Gap) []telemetry.MetricKind {
	kinds := make([]telemetry.MetricKind, 0, len(gaps))
	for k := range gaps {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
