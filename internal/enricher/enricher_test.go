package enricher

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uselesscalc/orchestrator/internal/event"
)

var id = event.Identity{Environment: "dev", Application: "calc", Service: "web", Host: "h1"}

func TestRecord_Log(t *testing.T) {
	ev := event.NewLog(id, event.SeverityWarn, "slow upstream", map[string]any{"upstream": "addition"})
	ev.Timestamp = time.Date(2023, 10, 27, 10, 30, 0, 123456789, time.UTC)

	rec := Record(ev)

	assert.Equal(t, "2023-10-27T10:30:00.123Z", rec[FieldTime])
	assert.Equal(t, "logs", rec[FieldKind])
	assert.Equal(t, "WARN", rec[FieldLevel])
	assert.Equal(t, "slow upstream", rec[FieldMsg])
	assert.Equal(t, "dev", rec[FieldEnvironment])
	assert.Equal(t, "calc", rec[FieldApplication])
	assert.Equal(t, "web", rec[FieldService])
	assert.Equal(t, "h1", rec[FieldHost])
	assert.Equal(t, os.Getpid(), rec[FieldPid])
	assert.Equal(t, map[string]interface{}{"upstream": "addition"}, rec[FieldAttributes])
	assert.NotContains(t, rec, FieldValue)
}

func TestRecord_Metric(t *testing.T) {
	ev := event.NewMetric(id, "requests_per_second", 150, nil)
	rec := Record(ev)

	assert.Equal(t, "metrics", rec[FieldKind])
	assert.Equal(t, "requests_per_second", rec[FieldName])
	assert.Equal(t, 150.0, rec[FieldValue])
	assert.NotContains(t, rec, FieldLevel)
	assert.NotContains(t, rec, FieldAttributes)
}

func TestRecord_AttributesCannotShadowIdentity(t *testing.T) {
	ev := event.NewLog(id, event.SeverityInfo, "x", map[string]any{"environment": "spoofed"})
	rec := Record(ev)

	assert.Equal(t, "dev", rec[FieldEnvironment])
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"attributes":{"environment":"spoofed"}`)
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	rec := Record(event.Event{Kind: event.KindTrace, Timestamp: ts, Name: "op"})
	assert.True(t, ts.Equal(Timestamp(rec)))

	before := time.Now().Add(-time.Second)
	assert.True(t, Timestamp(map[string]interface{}{FieldTime: "garbage"}).After(before))
}
