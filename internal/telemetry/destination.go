// Package telemetry delivers structured events to every enabled destination.
//
// A Dispatcher owns a set of Destinations. Each Destination is initialized once,
// then receives every event the application emits until Shutdown. Failures of
// one destination never affect the others and never reach the caller.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/uselesscalc/orchestrator/internal/event"
)

// Destination is a sink for telemetry events.
// Each destination type (console, local file, CloudWatch, Azure Monitor, GELF)
// implements this interface.
type Destination interface {
	// Name returns the unique name of the destination (its mode token).
	Name() string

	// Initialize prepares the destination. A failure returns *InitError and
	// excludes the destination for the process lifetime.
	Initialize(ctx context.Context) error

	// Write delivers or enqueues a single event. Implementations must be safe
	// for concurrent use.
	Write(ctx context.Context, ev event.Event) error

	// Flush synchronously drains anything buffered, bounded by ctx.
	Flush(ctx context.Context) error

	// Close releases resources. Events written after Close are rejected.
	Close() error
}

// Observer receives delivery outcomes that happen away from the Write call,
// such as batches dropped by a background flush.
type Observer interface {
	Dropped(destination, reason string, n int)
	WriteFailed(destination string, err error)
}

// observable is implemented by destinations that report asynchronous outcomes.
type observable interface {
	setObserver(Observer)
}

// Drop reasons used for telemetry_events_dropped_total.
const (
	ReasonQueueFull      = "queue_full"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonShutdown       = "shutdown"
	ReasonInvalid        = "invalid"
)

// State is the lifecycle state of a registered destination.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name in health responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrShutdownTimeout is returned by Shutdown when at least one destination did
// not finish flushing and closing in time.
var ErrShutdownTimeout = errors.New("telemetry: shutdown timed out")

// errClosed is returned by writes to a closed destination.
var errClosed = errors.New("destination is closed")

// InitError reports a destination that could not be initialized.
type InitError struct {
	Destination string
	Err         error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("telemetry: initialize %s: %v", e.Destination, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// WriteError reports an event or batch that could not be delivered.
type WriteError struct {
	Destination string
	Attempts    int
	Err         error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("telemetry: write %s failed after %d attempt(s): %v", e.Destination, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// FlushError reports a destination whose buffered events could not be drained.
type FlushError struct {
	Destination string
	Err         error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("telemetry: flush %s: %v", e.Destination, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// asInitError wraps err as *InitError unless it already is one.
func asInitError(name string, err error) error {
	var initErr *InitError
	if errors.As(err, &initErr) {
		return err
	}
	return &InitError{Destination: name, Err: err}
}
