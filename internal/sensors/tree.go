package sensors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hwtelemetry/internal/telemetry"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options параметры перечисления устройств
type Options struct {
	Capabilities Capabilities

	// SysfsRoot корень sysfs, по умолчанию /sys
	SysfsRoot string

	// NvidiaSMI путь к nvidia-smi; пустая строка отключает опрос
	NvidiaSMI string

	// CommandTimeout ограничение на один вызов внешней утилиты
	CommandTimeout time.Duration

	Run     CommandFunc
	Memory  func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	CPUInfo func(ctx context.Context) ([]cpu.InfoStat, error)
}

// Tree дерево устройств. Обход не реентерабелен: пока идет одно
// обновление, второе получает ErrBusy.
type Tree struct {
	mu     sync.Mutex
	roots  []*Device
	closed bool
	logger *zap.Logger
}

// NewTree создает дерево из готовых корневых узлов
func NewTree(logger *zap.Logger, roots ...*Device) *Tree {
	return &Tree{roots: roots, logger: logger}
}

// Open перечисляет устройства включенных категорий. Отсутствующие или
// недоступные категории просто не дают узлов.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Tree, error) {
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = "/sys"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 500 * time.Millisecond
	}
	if opts.Run == nil {
		opts.Run = runCommand
	}
	if opts.Memory == nil {
		opts.Memory = mem.VirtualMemoryWithContext
	}
	if opts.CPUInfo == nil {
		opts.CPUInfo = cpu.InfoWithContext
	}

	var roots []*Device

	hwmon, err := enumerateHwmon(ctx, opts, logger)
	if err != nil {
		logger.Debug("hwmon enumeration yielded no devices", zap.Error(err))
	}
	roots = append(roots, hwmon...)

	if opts.Capabilities.Has(CapGPU) && opts.NvidiaSMI != "" {
		roots = append(roots, enumerateNvidia(ctx, opts, logger)...)
	}

	if opts.Capabilities.Has(CapMemory) {
		roots = append(roots, newMemoryDevice(opts.Memory))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tree := NewTree(logger, roots...)
	logger.Info("Sensor tree opened",
		zap.String("capabilities", opts.Capabilities.String()),
		zap.Int("devices", tree.countDevices()),
		zap.Int("readings", tree.countReadings()))

	return tree, nil
}

// Refresh обновляет значения всех показаний. Единственное место, где
// изменяются узлы дерева.
func (t *Tree) Refresh(ctx context.Context) error {
	if !t.mu.TryLock() {
		return fmt.Errorf("refresh sensor tree: %w", telemetry.ErrBusy)
	}
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("refresh sensor tree: %w", telemetry.ErrSourceUnavailable)
	}

	var errs error
	for _, root := range t.roots {
		errs = multierr.Append(errs, refresh(ctx, root))
	}
	return errs
}

// ReadAll возвращает плоский список показаний всего дерева
func (t *Tree) ReadAll() ([]Entry, error) {
	if !t.mu.TryLock() {
		return nil, fmt.Errorf("read sensor tree: %w", telemetry.ErrBusy)
	}
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("read sensor tree: %w", telemetry.ErrSourceUnavailable)
	}

	var entries []Entry
	for _, root := range t.roots {
		entries = flatten(root, entries)
	}
	return entries, nil
}

// Walk обходит структуру дерева (для вывода списка устройств)
func (t *Tree) Walk(fn func(depth int, d *Device)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("walk sensor tree: %w", telemetry.ErrSourceUnavailable)
	}
	for _, root := range t.roots {
		walk(root, 0, fn)
	}
	return nil
}

// Close закрывает дерево
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.roots = nil
	return nil
}

func (t *Tree) countDevices() int {
	n := 0
	for _, root := range t.roots {
		walk(root, 0, func(int, *Device) { n++ })
	}
	return n
}

func (t *Tree) countReadings() int {
	n := 0
	for _, root := range t.roots {
		walk(root, 0, func(_ int, d *Device) { n += len(d.Readings) })
	}
	return n
}
