package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/Graylog2/go-gelf.v2/gelf"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/event"
)

// mockGelfWriter is a mock gelf.Writer for testing
type mockGelfWriter struct {
	lastMessage *gelf.Message
	writeCalled bool
	closeCalled bool
	returnError error // Optional error to return from WriteMessage
}

func (m *mockGelfWriter) WriteMessage(msg *gelf.Message) error {
	m.writeCalled = true
	m.lastMessage = msg
	return m.returnError
}

// Write implements io.Writer (part of gelf.Writer)
func (m *mockGelfWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

func (m *mockGelfWriter) Close() error {
	m.closeCalled = true
	return nil
}

// stubGelfFactories swaps the writer factories for the duration of a test.
func stubGelfFactories(t *testing.T) *gelf.CompressType {
	t.Helper()
	origUDP, origTCP, origSet := gelfUDPWriterFactory, gelfTCPWriterFactory, setUDPCompression
	t.Cleanup(func() {
		gelfUDPWriterFactory = origUDP
		gelfTCPWriterFactory = origTCP
		setUDPCompression = origSet
	})

	captured := gelf.CompressType(99) // Invalid value that won't match any real value
	setUDPCompression = func(writer *gelf.UDPWriter, compType gelf.CompressType) {
		captured = compType
	}
	gelfUDPWriterFactory = func(addr string) (*gelf.UDPWriter, error) {
		return &gelf.UDPWriter{}, nil
	}
	gelfTCPWriterFactory = func(addr string) (*gelf.TCPWriter, error) {
		return &gelf.TCPWriter{}, nil
	}
	return &captured
}

// newMockedGELF initializes a GELF destination and swaps in a mock writer.
func newMockedGELF(t *testing.T, cfg config.GELFConfig) (*GELF, *mockGelfWriter) {
	t.Helper()
	stubGelfFactories(t)
	g := NewGELF(cfg)
	require.NoError(t, g.Initialize(context.Background()))
	mock := &mockGelfWriter{}
	g.writer = mock // Replace the actual writer with the mock
	return g, mock
}

func TestGELF_InitializeValidation(t *testing.T) {
	g := NewGELF(config.GELFConfig{Protocol: "udp"})
	err := g.Initialize(context.Background())
	var initErr *InitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, "gelf", initErr.Destination)
}

func TestGELF_InitializeFactoryError(t *testing.T) {
	stubGelfFactories(t)
	gelfTCPWriterFactory = func(addr string) (*gelf.TCPWriter, error) {
		return nil, errors.New("connection refused")
	}
	g := NewGELF(config.GELFConfig{Address: "graylog:12201", Protocol: "tcp"})
	err := g.Initialize(context.Background())
	var initErr *InitError
	require.True(t, errors.As(err, &initErr))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestGelfCompression(t *testing.T) {
	tests := []struct {
		name           string
		compressionCfg string
		expectedType   gelf.CompressType
		protocol       string
	}{
		{"Gzip compression", "gzip", gelf.CompressGzip, "udp"},
		{"Zlib compression", "zlib", gelf.CompressZlib, "udp"},
		{"No compression", "none", gelf.CompressNone, "udp"},
		{"Default compression (empty)", "", gelf.CompressNone, "udp"},
		{"TCP protocol (compression not used)", "gzip", 99, "tcp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captured := stubGelfFactories(t)
			g := NewGELF(config.GELFConfig{Address: "localhost:12201", Protocol: tt.protocol, Compression: tt.compressionCfg})
			if err := g.Initialize(context.Background()); err != nil {
				t.Fatalf("Failed to initialize GELF destination: %v", err)
			}
			if *captured != tt.expectedType {
				t.Errorf("Expected compression type %v, got %v", tt.expectedType, *captured)
			}
		})
	}
}

func TestGELF_WriteMapsEvent(t *testing.T) {
	g, mock := newMockedGELF(t, config.GELFConfig{Address: "localhost:12201", Protocol: "udp"})

	ev := event.NewLog(testIdentity, event.SeverityWarn, "slow upstream", map[string]any{"upstream": "addition", "id": 7, "cached": true})
	ev.Timestamp = time.Unix(1700000000, 500_000_000).UTC()
	require.NoError(t, g.Write(context.Background(), ev))

	require.True(t, mock.writeCalled)
	msg := mock.lastMessage
	assert.Equal(t, "1.1", msg.Version)
	assert.Equal(t, "h1", msg.Host)
	assert.Equal(t, "slow upstream", msg.Short)
	assert.Equal(t, int32(4), msg.Level)
	assert.InDelta(t, 1700000000.5, msg.TimeUnix, 0.001)
	assert.Equal(t, "dev", msg.Extra["_environment"])
	assert.Equal(t, "calc", msg.Extra["_application"])
	assert.Equal(t, "web", msg.Extra["_service"])
	assert.Equal(t, "logs", msg.Extra["_kind"])
	assert.Equal(t, ev.ID, msg.Extra["_event_id"])
	assert.Equal(t, "addition", msg.Extra["_upstream"])
	assert.Equal(t, 7, msg.Extra["_attr_id"])
	assert.Equal(t, "true", msg.Extra["_cached"])
	assert.NotContains(t, msg.Extra, "_id")
}

func TestGELF_MetricAndErrorEvents(t *testing.T) {
	g, mock := newMockedGELF(t, config.GELFConfig{Address: "localhost:12201", Protocol: "tcp"})

	require.NoError(t, g.Write(context.Background(), event.NewMetric(testIdentity, "requests", 3, nil)))
	assert.Equal(t, "requests=3", mock.lastMessage.Short)
	assert.Equal(t, 3.0, mock.lastMessage.Extra["_value"])
	assert.Equal(t, int32(6), mock.lastMessage.Level)

	require.NoError(t, g.Write(context.Background(), event.NewError(testIdentity, errors.New("division by zero"), nil)))
	assert.Equal(t, "division by zero", mock.lastMessage.Short)
	assert.Equal(t, int32(3), mock.lastMessage.Level)
	assert.Contains(t, mock.lastMessage.Full, "goroutine")
	assert.NotContains(t, mock.lastMessage.Extra, "_stack")
}

func TestGelfTruncation(t *testing.T) {
	tests := []struct {
		name             string
		maxMessageSize   int
		short            string
		stack            string
		expectedShortLen int
		expectedFullLen  int
		expectedShortEnd string
		expectedFullEnd  string
	}{
		{
			name:             "No truncation (TCP unlimited)",
			maxMessageSize:   0,
			short:            "short message tcp",
			stack:            "this is a longer full message for tcp",
			expectedShortLen: 17,
			expectedFullLen:  37,
		},
		{
			name:             "Truncate Short only (exceeds available)",
			maxMessageSize:   1080, // Available = 1080 - 1024 = 56
			short:            "this is a very long short message that will certainly exceed the available limit",
			stack:            "this full message should be cleared",
			expectedShortLen: 56,
			expectedFullLen:  0,
			expectedShortEnd: "...truncated",
		},
		{
			name:             "Truncate Full only (Short fits, Full exceeds remaining)",
			maxMessageSize:   1100, // Available = 76, remaining after short = 58
			short:            "short message fits",
			stack:            "this very long full message will need truncation because it exceeds the remaining space",
			expectedShortLen: 18,
			expectedFullLen:  58,
			expectedFullEnd:  "...truncated",
		},
		{
			name:             "Truncate Short (not enough space for suffix)",
			maxMessageSize:   1030, // Available = 6
			short:            "this short message is too long",
			stack:            "this full message is also too long",
			expectedShortLen: 6,
			expectedFullLen:  0,
			expectedShortEnd: "this s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, mock := newMockedGELF(t, config.GELFConfig{Address: "localhost:12201", Protocol: "udp"})
			g.maxMessageSize = tt.maxMessageSize

			ev := event.NewLog(testIdentity, event.SeverityError, tt.short, map[string]any{"stack": tt.stack})
			if err := g.Write(context.Background(), ev); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if mock.lastMessage == nil {
				t.Fatal("Last message is nil")
			}

			if len(mock.lastMessage.Short) != tt.expectedShortLen {
				t.Errorf("Expected Short length %d, got %d (value: %q)", tt.expectedShortLen, len(mock.lastMessage.Short), mock.lastMessage.Short)
			}
			if len(mock.lastMessage.Full) != tt.expectedFullLen {
				t.Errorf("Expected Full length %d, got %d (value: %q)", tt.expectedFullLen, len(mock.lastMessage.Full), mock.lastMessage.Full)
			}
			if tt.expectedShortEnd != "" && !strings.HasSuffix(mock.lastMessage.Short, tt.expectedShortEnd) {
				t.Errorf("Expected Short to end with %q, got %q", tt.expectedShortEnd, mock.lastMessage.Short)
			}
			if tt.expectedFullEnd != "" && !strings.HasSuffix(mock.lastMessage.Full, tt.expectedFullEnd) {
				t.Errorf("Expected Full to end with %q, got %q", tt.expectedFullEnd, mock.lastMessage.Full)
			}
		})
	}
}

func TestGELF_WriteErrorAndClose(t *testing.T) {
	g, mock := newMockedGELF(t, config.GELFConfig{Address: "localhost:12201"})
	mock.returnError = errors.New("network unreachable")

	err := g.Write(context.Background(), event.NewLog(testIdentity, event.SeverityInfo, "x", nil))
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))

	require.NoError(t, g.Flush(context.Background()))
	require.NoError(t, g.Close())
	assert.True(t, mock.closeCalled)
	assert.Error(t, g.Write(context.Background(), event.NewLog(testIdentity, event.SeverityInfo, "x", nil)))
	assert.NoError(t, g.Close())
}
