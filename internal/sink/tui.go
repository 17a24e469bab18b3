package sink

import (
	"context"
	"fmt"

	"hwtelemetry/internal/telemetry"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUI интерактивный приемник. Снимки передаются в цикл событий
// bubbletea через Program.Send и отрисовываются только там.
type TUI struct {
	program *tea.Program
}

// snapshotMsg новый снимок для модели
type snapshotMsg struct {
	snap *telemetry.Snapshot
}

// NewTUI создает приемник. onQuit вызывается, когда пользователь
// закрывает интерфейс.
func NewTUI(onQuit func(), opts ...tea.ProgramOption) *TUI {
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	return &TUI{program: tea.NewProgram(newTUIModel(onQuit), opts...)}
}

// Run запускает цикл событий и блокирует до выхода
func (t *TUI) Run() error {
	if _, err := t.program.Run(); err != nil {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}

func (t *TUI) Publish(_ context.Context, snap *telemetry.Snapshot) error {
	t.program.Send(snapshotMsg{snap: snap})
	return nil
}

func (t *TUI) Close() error {
	t.program.Quit()
	return nil
}

type tuiModel struct {
	latest *telemetry.Snapshot
	width  int
	height int
	onQuit func()
}

func newTUIModel(onQuit func()) *tuiModel {
	if onQuit == nil {
		onQuit = func() {}
	}
	return &tuiModel{width: 120, height: 40, onQuit: onQuit}
}

func (m *tuiModel) Init() tea.Cmd { return nil }

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.onQuit()
			return m, tea.Quit
		}
	case snapshotMsg:
		m.latest = msg.snap
	}
	return m, nil
}

func (m *tuiModel) View() string {
	if m.latest == nil {
		return subtleStyle.Render("Waiting for the first snapshot...") + "\n"
	}
	footer := subtleStyle.Render("q quit")
	return lipgloss.NewStyle().MaxWidth(m.width).Render(Render(m.latest)) + "\n" + footer + "\n"
}
