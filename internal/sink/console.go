package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"hwtelemetry/internal/telemetry"
)

// Console печатает снимок в виде карточек
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole создает консольный приемник; nil означает stdout
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

func (c *Console) Publish(_ context.Context, snap *telemetry.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintln(c.w, Render(snap)); err != nil {
		return fmt.Errorf("write console: %w", err)
	}
	return nil
}

func (c *Console) Close() error { return nil }
