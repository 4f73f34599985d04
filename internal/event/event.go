// internal/event/event.go

// Package event defines the structured telemetry record carried through the pipeline.
package event

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the telemetry signal an event belongs to.
type Kind int

const (
	KindLog Kind = iota + 1
	KindMetric
	KindTrace
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindLog, KindMetric, KindTrace}

// String returns the plural form used in paths and log group names.
func (k Kind) String() string {
	switch k {
	case KindLog:
		return "logs"
	case KindMetric:
		return "metrics"
	case KindTrace:
		return "traces"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= KindLog && k <= KindTrace
}

// Severity applies to log events only.
type Severity int

const (
	SeverityDebug Severity = 20
	SeverityInfo  Severity = 30
	SeverityWarn  Severity = 40
	SeverityError Severity = 50
)

var severityNames = map[Severity]string{
	SeverityDebug: "DEBUG",
	SeverityInfo:  "INFO",
	SeverityWarn:  "WARN",
	SeverityError: "ERROR",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "INFO"
}

// ParseSeverity converts a level name (case-insensitive) to a Severity.
func ParseSeverity(name string) (Severity, error) {
	for sev, n := range severityNames {
		if strings.EqualFold(n, name) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("invalid severity: %s", name)
}

// Identity tags every delivered event. It is resolved once at startup and never mutated.
type Identity struct {
	Environment string `json:"environment"`
	Application string `json:"application"`
	Service     string `json:"service"`
	Host        string `json:"host"`
}

// Complete reports whether every identity field is set.
func (id Identity) Complete() bool {
	return id.Environment != "" && id.Application != "" && id.Service != "" && id.Host != ""
}

// IsZero reports whether no identity field is set.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Missing returns the names of unset identity fields.
func (id Identity) Missing() []string {
	var missing []string
	if id.Environment == "" {
		missing = append(missing, "environment")
	}
	if id.Application == "" {
		missing = append(missing, "application")
	}
	if id.Service == "" {
		missing = append(missing, "service")
	}
	if id.Host == "" {
		missing = append(missing, "host")
	}
	return missing
}

// Event is a single telemetry occurrence. Constructors copy the attribute map,
// so an Event is safe to hand to several destinations at once. Destinations must
// treat it as read-only.
type Event struct {
	ID         string
	Kind       Kind
	Timestamp  time.Time
	Severity   Severity
	Name       string
	Value      float64
	Attributes map[string]any
	Identity   Identity
}

// NewLog creates a log event.
func NewLog(id Identity, sev Severity, msg string, attrs map[string]any) Event {
	return newEvent(id, KindLog, msg, attrs, func(e *Event) { e.Severity = sev })
}

// NewMetric creates a metric event carrying a single numeric value.
func NewMetric(id Identity, name string, value float64, attrs map[string]any) Event {
	return newEvent(id, KindMetric, name, attrs, func(e *Event) { e.Value = value })
}

// NewTrace creates a trace event for a finished operation.
func NewTrace(id Identity, operation, traceID, spanID string, duration time.Duration, attrs map[string]any) Event {
	return newEvent(id, KindTrace, operation, attrs, func(e *Event) {
		e.Attributes["trace_id"] = traceID
		e.Attributes["span_id"] = spanID
		e.Attributes["duration_ms"] = float64(duration) / float64(time.Millisecond)
	})
}

// NewError creates an ERROR log event describing err, with the current goroutine stack.
func NewError(id Identity, err error, attrs map[string]any) Event {
	msg := "<nil>"
	errType := "<nil>"
	if err != nil {
		msg = err.Error()
		errType = reflect.TypeOf(err).String()
	}
	return newEvent(id, KindLog, msg, attrs, func(e *Event) {
		e.Severity = SeverityError
		e.Attributes["error_type"] = errType
		e.Attributes["error_message"] = msg
		e.Attributes["stack"] = string(debug.Stack())
	})
}

func newEvent(id Identity, kind Kind, name string, attrs map[string]any, fill func(*Event)) Event {
	e := Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
		Name:       name,
		Attributes: make(map[string]any, len(attrs)+3),
		Identity:   id,
	}
	for k, v := range attrs {
		e.Attributes[k] = v
	}
	if fill != nil {
		fill(&e)
	}
	return e
}

// WithIdentity returns a copy of e tagged with id.
func (e Event) WithIdentity(id Identity) Event {
	e.Identity = id
	return e
}

// WithAttributes returns a copy of e whose attribute map is replaced by attrs.
func (e Event) WithAttributes(attrs map[string]any) Event {
	e.Attributes = attrs
	return e
}

// Validate checks the structural invariants of an event.
func (e Event) Validate() error {
	var errs []error
	if !e.Kind.Valid() {
		errs = append(errs, fmt.Errorf("unknown kind %d", int(e.Kind)))
	}
	if e.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is zero"))
	}
	if e.Name == "" {
		errs = append(errs, errors.New("name/message is empty"))
	}
	if e.Kind == KindMetric && !finite(e.Value) {
		errs = append(errs, fmt.Errorf("metric value %v is not finite", e.Value))
	}
	for k, v := range e.Attributes {
		if k == "" {
			errs = append(errs, errors.New("attribute key is empty"))
			continue
		}
		if !IsScalar(v) {
			errs = append(errs, fmt.Errorf("attribute %q has non-scalar type %T", k, v))
			continue
		}
		switch f := v.(type) {
		case float64:
			if !finite(f) {
				errs = append(errs, fmt.Errorf("attribute %q is not finite", k))
			}
		case float32:
			if !finite(float64(f)) {
				errs = append(errs, fmt.Errorf("attribute %q is not finite", k))
			}
		}
	}
	return errors.Join(errs...)
}

// finite reports whether f can be encoded as a JSON number.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// IsScalar reports whether v is an allowed attribute value.
func IsScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, nil:
		return true
	}
	return false
}
