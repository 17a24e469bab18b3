package sink

import (
	"fmt"
	"strings"

	"hwtelemetry/internal/telemetry"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	gapStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	cardStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("60")).
			Padding(0, 1).
			MarginRight(1)

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	gaugeFill  = "█"
	gaugeEmpty = "░"
)

func bandStyle(b telemetry.TemperatureBand) lipgloss.Style {
	switch b {
	case telemetry.BandSevere:
		return badStyle
	case telemetry.BandElevated:
		return warnStyle
	default:
		return okStyle
	}
}

func fanStyle(s telemetry.FanState) lipgloss.Style {
	switch s {
	case telemetry.FanHealthy, telemetry.FanZeroRPMMode:
		return okStyle
	case telemetry.FanDegraded:
		return warnStyle
	case telemetry.FanCritical:
		return badStyle
	default:
		return subtleStyle
	}
}

func healthStyle(h telemetry.Health) lipgloss.Style {
	switch h {
	case telemetry.HealthOptimal:
		return okStyle
	case telemetry.HealthGood:
		return warnStyle
	case telemetry.HealthHighLoad:
		return badStyle
	default:
		return subtleStyle
	}
}

func memoryStyle(s telemetry.MemoryStatus) lipgloss.Style {
	switch s {
	case telemetry.MemoryNormal:
		return okStyle
	case telemetry.MemoryHigh:
		return warnStyle
	default:
		return badStyle
	}
}

// Render текстовое представление снимка. Все числа и полосы берутся из
// снимка как есть.
func Render(snap *telemetry.Snapshot) string {
	header := titleStyle.Render("Hardware Telemetry") + "  " +
		subtleStyle.Render(fmt.Sprintf("#%d %s", snap.Sequence, snap.Timestamp.Format("Mon Jan 2 15:04:05 MST 2006"))) + "  " +
		healthStyle(snap.Health).Render(string(snap.Health)) +
		subtleStyle.Render(" ("+string(snap.Policy)+")")

	cpuLines := []string{gauge(snap.CPUTotalPct, 28)}
	for i, core := range snap.CorePcts {
		cpuLines = append(cpuLines, fmt.Sprintf("core %-3d %s", i, formatValue(core, "%5.1f%%")))
	}
	cpuLines = append(cpuLines, "temp "+formatValue(snap.CPUTemperature, "%.1f°C"))
	cpuCard := card("CPU", strings.Join(cpuLines, "\n"))

	memLines := []string{gauge(snap.MemoryUsedPct, 28)}
	memLines = append(memLines, fmt.Sprintf("%s / %s GB used, %s GB free",
		formatValue(snap.MemoryUsedGB, "%.1f"),
		formatValue(snap.MemoryTotalGB, "%.1f"),
		formatValue(snap.MemoryAvailableGB, "%.1f")))
	if snap.MemoryUsedPct != nil {
		status := telemetry.MemoryStatusOf(*snap.MemoryUsedPct)
		memLines = append(memLines, "status "+memoryStyle(status).Render(string(status)))
	}
	memCard := card("Memory", strings.Join(memLines, "\n"))

	gpuCard := card("GPU", gauge(snap.GPULoadPct, 20))

	line1 := lipgloss.JoinHorizontal(lipgloss.Top, cpuCard, memCard, gpuCard)

	var tempLines []string
	for _, key := range sortedKeys(snap.Temperatures) {
		t := snap.Temperatures[key]
		tempLines = append(tempLines, fmt.Sprintf("%-32s %s",
			truncate(key, 32),
			bandStyle(t.Band).Render(fmt.Sprintf("%5.1f°C %s", t.Celsius, t.Band))))
	}
	if len(tempLines) == 0 {
		tempLines = append(tempLines, gapStyle.Render(notAvailable))
	}
	tempCard := card("Temperatures", strings.Join(tempLines, "\n"))

	var fanLines []string
	for _, key := range sortedKeys(snap.Fans) {
		f := snap.Fans[key]
		fanLines = append(fanLines, fmt.Sprintf("%-32s %6.0f %-3s %-6s %s",
			truncate(key, 32), f.Value, f.Unit, f.Group,
			fanStyle(f.State).Render(string(f.State))))
	}
	if len(fanLines) == 0 {
		fanLines = append(fanLines, gapStyle.Render(notAvailable))
	}
	fanCard := card("Fans", strings.Join(fanLines, "\n"))

	line2 := lipgloss.JoinHorizontal(lipgloss.Top, tempCard, fanCard)

	sections := []string{header, line1, line2}

	if len(snap.DataGaps) > 0 {
		var gapLines []string
		for _, kind := range sortedGaps(snap.DataGaps) {
			gap := snap.DataGaps[kind]
			gapLines = append(gapLines, fmt.Sprintf("%-16s %s", kind, gapStyle.Render(gap.Hint)))
		}
		sections = append(sections, card("Data gaps", strings.Join(gapLines, "\n")))
	}
	for _, s := range snap.Status {
		sections = append(sections, warnStyle.Render("! "+s))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func gauge(pct *float64, width int) string {
	if pct == nil {
		return fmt.Sprintf("[%s] %s", strings.Repeat(gaugeEmpty, width), gapStyle.Render(notAvailable))
	}
	v := *pct
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	filled := int((v / 100) * float64(width))
	return fmt.Sprintf("[%s%s] %5.1f%%",
		strings.Repeat(gaugeFill, filled),
		strings.Repeat(gaugeEmpty, width-filled),
		v)
}

func card(title, body string) string {
	return cardStyle.Render(labelStyle.Render(title) + "\n" + body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
