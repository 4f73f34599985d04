// internal/enricher/enricher.go

// Package enricher turns telemetry events into flat structured records shared by
// every line-oriented destination (console, local file, CloudWatch).
package enricher

import (
	"os"
	"sync"
	"time"

	"github.com/uselesscalc/orchestrator/internal/event"
)

// Record field names.
const (
	FieldTime        = "time"
	FieldID          = "id"
	FieldKind        = "kind"
	FieldLevel       = "level"
	FieldMsg         = "msg"
	FieldName        = "name"
	FieldValue       = "value"
	FieldEnvironment = "environment"
	FieldApplication = "application"
	FieldService     = "service"
	FieldHost        = "host"
	FieldPid         = "pid"
	FieldAttributes  = "attributes"
)

// TimeLayout is the record timestamp format (RFC 3339, millisecond precision, UTC).
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	cachedPid int
	cacheOnce sync.Once
)

func pid() int {
	cacheOnce.Do(func() { cachedPid = os.Getpid() })
	return cachedPid
}

// Record builds the structured record for ev. Log events carry level and msg,
// metric events carry name and value, trace events carry name. Attributes are
// nested under "attributes" so they can never shadow the identity tags.
func Record(ev event.Event) map[string]interface{} {
	record := map[string]interface{}{
		FieldTime:        ev.Timestamp.UTC().Format(TimeLayout),
		FieldID:          ev.ID,
		FieldKind:        ev.Kind.String(),
		FieldEnvironment: ev.Identity.Environment,
		FieldApplication: ev.Identity.Application,
		FieldService:     ev.Identity.Service,
		FieldHost:        ev.Identity.Host,
		FieldPid:         pid(),
	}

	switch ev.Kind {
	case event.KindLog:
		record[FieldLevel] = ev.Severity.String()
		record[FieldMsg] = ev.Name
	case event.KindMetric:
		record[FieldName] = ev.Name
		record[FieldValue] = ev.Value
	default:
		record[FieldName] = ev.Name
	}

	if len(ev.Attributes) > 0 {
		attrs := make(map[string]interface{}, len(ev.Attributes))
		for k, v := range ev.Attributes {
			attrs[k] = v
		}
		record[FieldAttributes] = attrs
	}
	return record
}

// Timestamp parses the record time back, defaulting to now for malformed records.
func Timestamp(record map[string]interface{}) time.Time {
	if s, ok := record[FieldTime].(string); ok {
		if t, err := time.Parse(TimeLayout, s); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
