// Package sink содержит приемники снимков телеметрии. Приемник получает
// один готовый неизменяемый снимок за цикл и не обращается к движку.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"

	"hwtelemetry/internal/telemetry"

	"go.uber.org/multierr"
)

// Sink приемник снимков
type Sink interface {
	Publish(ctx context.Context, snap *telemetry.Snapshot) error
	Close() error
}

// Multi рассылает снимок всем приемникам по очереди
type Multi []Sink

func (m Multi) Publish(ctx context.Context, snap *telemetry.Snapshot) error {
	var errs error
	for _, s := range m {
		errs = multierr.Append(errs, s.Publish(ctx, snap))
	}
	return errs
}

func (m Multi) Close() error {
	var errs error
	for _, s := range m {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}

// JSON пишет по одному JSON объекту в строку
type JSON struct {
	w io.Writer
}

// NewJSON создает JSON приемник; nil означает stdout
func NewJSON(w io.Writer) *JSON {
	if w == nil {
		w = os.Stdout
	}
	return &JSON{w: w}
}

func (j *JSON) Publish(_ context.Context, snap *telemetry.Snapshot) error {
	data, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (j *JSON) Close() error { return nil }
