package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/enricher"
	"github.com/uselesscalc/orchestrator/internal/event"
	"github.com/uselesscalc/orchestrator/internal/logger"
)

func resolveForTest(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	base := map[string]string{
		config.KeyEnvName:     "dev",
		config.KeyAppName:     "calc",
		config.KeyServiceName: "web",
		config.KeyHostname:    "h1",
	}
	for k, v := range env {
		base[k] = v
	}
	cfg, err := config.Resolve(func(key string) string { return base[key] })
	require.NoError(t, err)
	return cfg
}

func TestBuild_ConsoleAndLocal(t *testing.T) {
	root := filepath.Join(t.TempDir(), "logs")
	cfg := resolveForTest(t, map[string]string{
		config.KeyTelemetryMode: "console,local",
		config.KeyLogRoot:       root,
		config.KeyRedact:        "*password*",
	})

	var stdout bytes.Buffer
	d, err := Build(cfg, &stdout, WithLogger(logger.Discard()))
	require.NoError(t, err)
	d.Start(context.Background())

	health := d.Health()
	require.Len(t, health, 2)
	assert.Equal(t, DestinationStatus{Name: "console", State: StateReady}, health[0])
	assert.Equal(t, DestinationStatus{Name: "local", State: StateReady}, health[1])

	d.Log(context.Background(), event.SeverityInfo, "user signed in", map[string]any{"db_password": "hunter2", "user": "ada"})
	require.NoError(t, d.Shutdown(context.Background()))

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(stdout.String())), &rec))
	attrs, ok := rec["attributes"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", attrs["db_password"])
	assert.Equal(t, "ada", attrs["user"])

	lines := readLines(t, filepath.Join(root, "dev", "calc", "web", "logs", "logs.log"))
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "hunter2")

	var local map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &local))
	assert.Equal(t, "user signed in", rec[enricher.FieldMsg])
	want := map[string]interface{}{
		enricher.FieldEnvironment: "dev",
		enricher.FieldApplication: "calc",
		enricher.FieldService:     "web",
		enricher.FieldHost:        "h1",
	}
	for _, r := range []map[string]interface{}{rec, local} {
		for field, v := range want {
			assert.Equal(t, v, r[field], field)
		}
	}
	for _, field := range []string{enricher.FieldID, enricher.FieldMsg, enricher.FieldLevel, enricher.FieldTime} {
		assert.Equal(t, rec[field], local[field], field)
	}
	assert.Equal(t, attrs, local[enricher.FieldAttributes])
}

func TestBuild_DefaultsToConsole(t *testing.T) {
	cfg := resolveForTest(t, nil)

	d, err := Build(cfg, &bytes.Buffer{}, WithLogger(logger.Discard()))
	require.NoError(t, err)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	require.Len(t, d.Health(), 1)
	assert.Equal(t, "console", d.Health()[0].Name)
	assert.True(t, d.Ready())
}

func TestBuild_UnreachableDestinationDoesNotBlockOthers(t *testing.T) {
	stubCloudWatchClient(t, nil, assert.AnError)
	cfg := resolveForTest(t, map[string]string{
		config.KeyTelemetryMode: "aws_cloudwatch,console",
		config.KeyAWSRegion:     "eu-west-1",
	})

	var stdout bytes.Buffer
	d, err := Build(cfg, &stdout, WithLogger(logger.Discard()))
	require.NoError(t, err)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	health := d.Health()
	require.Len(t, health, 2)
	assert.Equal(t, StateFailed, health[0].State)
	assert.Equal(t, StateReady, health[1].State)

	d.Metric(context.Background(), "requests", 1, nil)
	assert.Contains(t, stdout.String(), `"name":"requests"`)
}

func TestNewDestination(t *testing.T) {
	cfg := resolveForTest(t, nil)

	tests := []struct {
		mode config.Mode
		want string
	}{
		{config.ModeConsole, "console"},
		{config.ModeLocal, "local"},
		{config.ModeCloudWatch, "aws_cloudwatch"},
		{config.ModeAzureMonitor, "azure_monitor"},
		{config.ModeGELF, "gelf"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			dest, err := NewDestination(cfg, tt.mode, &bytes.Buffer{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, dest.Name())
		})
	}

	_, err := NewDestination(cfg, config.Mode(99), &bytes.Buffer{})
	assert.Error(t, err)
}
