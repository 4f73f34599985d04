package telemetry

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/Graylog2/go-gelf.v2/gelf"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/event"
	"github.com/uselesscalc/orchestrator/internal/truncate"
)

// Variables for factories to allow mocking in tests
var gelfUDPWriterFactory = gelf.NewUDPWriter
var gelfTCPWriterFactory = gelf.NewTCPWriter

// Function to set compression, can be mocked in tests
var setUDPCompression = func(writer *gelf.UDPWriter, compType gelf.CompressType) {
	writer.CompressionType = compType
}

const (
	// defaultGelfUDPMessageSize bounds the short/full message text on UDP;
	// TCP messages are not truncated.
	defaultGelfUDPMessageSize = 8192
	// gelfMessageOverhead is reserved for the envelope and extra fields.
	gelfMessageOverhead = 1024
)

// Syslog severities used by GELF.
const (
	gelfLevelError int32 = 3
	gelfLevelWarn  int32 = 4
	gelfLevelInfo  int32 = 6
	gelfLevelDebug int32 = 7
)

// GELF sends one GELF message per event to a Graylog-compatible endpoint.
type GELF struct {
	name           string
	cfg            config.GELFConfig
	maxMessageSize int

	mu     sync.Mutex
	writer gelf.Writer
}

// NewGELF creates a GELF destination. The writer is created by Initialize.
func NewGELF(cfg config.GELFConfig) *GELF {
	g := &GELF{name: "gelf", cfg: cfg}
	if cfg.Protocol != "tcp" {
		g.maxMessageSize = defaultGelfUDPMessageSize
	}
	return g
}

// Name returns the destination name.
func (g *GELF) Name() string { return g.name }

// Initialize creates the UDP or TCP writer.
func (g *GELF) Initialize(context.Context) error {
	if g.cfg.Address == "" {
		return &InitError{Destination: g.name, Err: fmt.Errorf("address is required for GELF destination")}
	}

	var writer gelf.Writer
	if g.cfg.Protocol == "tcp" {
		tcpWriter, err := gelfTCPWriterFactory(g.cfg.Address)
		if err != nil {
			return &InitError{Destination: g.name, Err: fmt.Errorf("failed to create GELF TCP writer: %w", err)}
		}
		writer = tcpWriter
	} else {
		// Default to UDP
		udpWriter, err := gelfUDPWriterFactory(g.cfg.Address)
		if err != nil {
			return &InitError{Destination: g.name, Err: fmt.Errorf("failed to create GELF UDP writer: %w", err)}
		}

		switch g.cfg.Compression {
		case "gzip":
			setUDPCompression(udpWriter, gelf.CompressGzip)
		case "zlib":
			setUDPCompression(udpWriter, gelf.CompressZlib)
		default:
			setUDPCompression(udpWriter, gelf.CompressNone)
		}
		writer = udpWriter
	}

	g.mu.Lock()
	g.writer = writer
	g.mu.Unlock()
	return nil
}

// Write sends ev synchronously.
func (g *GELF) Write(_ context.Context, ev event.Event) error {
	msg := g.message(ev)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writer == nil {
		return &WriteError{Destination: g.name, Attempts: 1, Err: errClosed}
	}
	if err := g.writer.WriteMessage(msg); err != nil {
		return &WriteError{Destination: g.name, Attempts: 1, Err: err}
	}
	return nil
}

// message maps ev onto a GELF 1.1 message. Identity and attributes become
// underscore-prefixed extra fields.
func (g *GELF) message(ev event.Event) *gelf.Message {
	short := ev.Name
	if ev.Kind == event.KindMetric {
		short = fmt.Sprintf("%s=%v", ev.Name, ev.Value)
	}
	full := ""
	if stack, ok := ev.Attributes["stack"].(string); ok {
		full = stack
	}

	if g.maxMessageSize > 0 {
		available := g.maxMessageSize - gelfMessageOverhead
		if available < 0 {
			available = 0
		}
		if len(short) > available {
			short = truncate.String(short, available)
			full = ""
		} else {
			full = truncate.String(full, available-len(short))
		}
	}

	msg := &gelf.Message{
		Version:  "1.1",
		Host:     ev.Identity.Host,
		Short:    short,
		Full:     full,
		TimeUnix: float64(ev.Timestamp.UnixNano()) / 1e9,
		Level:    gelfLevel(ev),
		Extra: map[string]interface{}{
			"_environment": ev.Identity.Environment,
			"_application": ev.Identity.Application,
			"_service":     ev.Identity.Service,
			"_kind":        ev.Kind.String(),
			"_event_id":    ev.ID,
		},
	}
	if ev.Kind == event.KindMetric {
		msg.Extra["_value"] = ev.Value
	}

	for k, v := range ev.Attributes {
		if k == "stack" && full != "" {
			continue
		}
		// GELF requires additional fields to start with an underscore; "_id" is reserved.
		extraKey := "_" + k
		if extraKey == "_id" {
			extraKey = "_attr_id"
		}
		if _, taken := msg.Extra[extraKey]; taken {
			extraKey = "_attr" + extraKey
		}
		switch v := v.(type) {
		case string, float64, float32, int, int32, int64, uint, uint32, uint64:
			msg.Extra[extraKey] = v
		default:
			// GELF doesn't support booleans or nulls
			msg.Extra[extraKey] = fmt.Sprintf("%v", v)
		}
	}
	return msg
}

func gelfLevel(ev event.Event) int32 {
	if ev.Kind != event.KindLog {
		return gelfLevelInfo
	}
	switch ev.Severity {
	case event.SeverityDebug:
		return gelfLevelDebug
	case event.SeverityWarn:
		return gelfLevelWarn
	case event.SeverityError:
		return gelfLevelError
	default:
		return gelfLevelInfo
	}
}

// Flush is a no-op: messages are sent synchronously.
func (g *GELF) Flush(context.Context) error { return nil }

// Close closes the GELF writer.
func (g *GELF) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writer == nil {
		return nil
	}
	err := g.writer.Close()
	g.writer = nil
	return err
}

// Ensure GELF implements the Destination interface.
var _ Destination = (*GELF)(nil)
