package telemetry

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/uselesscalc/orchestrator/internal/event"
)

// Console writes one JSON line per event to a writer (stdout in production).
type Console struct {
	mu     sync.Mutex
	writer io.Writer
	name   string
	closed bool
}

// NewConsole creates a console destination writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{writer: w, name: "console"}
}

// Name returns the destination name.
func (c *Console) Name() string { return c.name }

// Initialize always succeeds.
func (c *Console) Initialize(context.Context) error { return nil }

// Write prints ev as a single line. Lines from concurrent writers never interleave.
func (c *Console) Write(_ context.Context, ev event.Event) error {
	line, err := formatLine(ev, FormatJSON)
	if err != nil {
		return &WriteError{Destination: c.name, Attempts: 1, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &WriteError{Destination: c.name, Attempts: 1, Err: errClosed}
	}
	if _, err := c.writer.Write(line); err != nil {
		return &WriteError{Destination: c.name, Attempts: 1, Err: fmt.Errorf("failed to write line: %w", err)}
	}
	return nil
}

// Flush syncs the writer when it supports it (e.g. *os.File).
func (c *Console) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.writer.(interface{ Sync() error }); ok {
		// Sync on a terminal or pipe reports EINVAL; there is nothing to drain.
		_ = s.Sync()
	}
	return nil
}

// Close stops further writes. The underlying writer is not closed.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Ensure Console implements the Destination interface.
var _ Destination = (*Console)(nil)
