// Package sensors реализует дерево аппаратных датчиков: устройства с
// показаниями и вложенными подустройствами. Дерево строится один раз при
// открытии и обновляется на месте перед каждым чтением.
package sensors

import (
	"context"
	"fmt"

	"hwtelemetry/internal/telemetry"

	"go.uber.org/multierr"
)

// DeviceKind тип устройства
type DeviceKind int

const (
	KindCpu DeviceKind = iota
	KindGpuNvidia
	KindGpuAmd
	KindGpuIntel
	KindMotherboard
	KindMemory
	KindStorage
	KindNetwork
	KindOther
)

var deviceKindNames = [...]string{
	KindCpu:         "cpu",
	KindGpuNvidia:   "gpu_nvidia",
	KindGpuAmd:      "gpu_amd",
	KindGpuIntel:    "gpu_intel",
	KindMotherboard: "motherboard",
	KindMemory:      "memory",
	KindStorage:     "storage",
	KindNetwork:     "network",
	KindOther:       "other",
}

func (k DeviceKind) String() string {
	if k < 0 || int(k) >= len(deviceKindNames) {
		return fmt.Sprintf("device_kind(%d)", int(k))
	}
	return deviceKindNames[k]
}

// MarshalText для JSON вывода дерева
func (k DeviceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsGPU true для любого GPU устройства
func (k DeviceKind) IsGPU() bool {
	return k == KindGpuNvidia || k == KindGpuAmd || k == KindGpuIntel
}

// Reading одно показание датчика. Value == nil означает, что в этом
// цикле данных нет; это штатное состояние, а не ошибка.
type Reading struct {
	Kind  telemetry.MetricKind `json:"kind"`
	Label string               `json:"label"`
	Value *float64             `json:"value"`
	Unit  telemetry.Unit       `json:"unit"`

	// path файл sysfs, из которого читается значение, и множитель
	path  string
	scale float64
}

// Device узел дерева. Дочерний узел принадлежит ровно одному родителю.
type Device struct {
	Name     string     `json:"name"`
	Kind     DeviceKind `json:"kind"`
	Readings []*Reading `json:"readings,omitempty"`
	Children []*Device  `json:"children,omitempty"`

	// update обновляет значения показаний этого узла (без дочерних)
	update func(ctx context.Context, d *Device) error
}

// Entry показание вместе с устройством-владельцем. Value в Entry является
// копией и не меняется при следующих обновлениях дерева.
type Entry struct {
	Device     string
	DeviceKind DeviceKind
	Reading    Reading
}

// refresh обходит узел и его потомков в глубину: сначала собственное
// обновление узла, затем дочерние узлы. После отмены контекста
// оставшиеся узлы не опрашиваются, их значения сбрасываются в nil.
func refresh(ctx context.Context, d *Device) error {
	if err := ctx.Err(); err != nil {
		clearValues(d)
		return err
	}

	var errs error
	if d.update != nil {
		if err := d.update(ctx, d); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
		}
	}
	for _, child := range d.Children {
		errs = multierr.Append(errs, refresh(ctx, child))
	}
	return errs
}

// clearValues сбрасывает значения узла и всех потомков
func clearValues(d *Device) {
	for _, r := range d.Readings {
		r.Value = nil
	}
	for _, child := range d.Children {
		clearValues(child)
	}
}

// flatten добавляет показания узла и его потомков в entries
func flatten(d *Device, entries []Entry) []Entry {
	for _, r := range d.Readings {
		copied := *r
		if r.Value != nil {
			copied.Value = telemetry.Float(*r.Value)
		}
		entries = append(entries, Entry{
			Device:     d.Name,
			DeviceKind: d.Kind,
			Reading:    copied,
		})
	}
	for _, child := range d.Children {
		entries = flatten(child, entries)
	}
	return entries
}

// walk вызывает fn для узла и всех потомков с указанием глубины
func walk(d *Device, depth int, fn func(depth int, d *Device)) {
	fn(depth, d)
	for _, child := range d.Children {
		walk(child, depth+1, fn)
	}
}
