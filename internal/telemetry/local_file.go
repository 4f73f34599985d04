package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/event"
	"github.com/uselesscalc/orchestrator/internal/naming"
)

// kindFile is one open {kind}.log file. Its own mutex keeps lines whole.
type kindFile struct {
	mu     sync.Mutex
	writer io.WriteCloser // *os.File or *lumberjack.Logger
	closed bool
}

// LocalFile appends events to {root}/{env}/{app}/{service}/{kind}/{kind}.log.
// Directories are created on the first write for each kind.
type LocalFile struct {
	name     string
	root     string
	format   string
	rotation config.RotationConfig

	mu     sync.Mutex
	files  map[string]*kindFile
	closed bool
}

// NewLocalFile creates a local file destination from cfg.
func NewLocalFile(cfg config.LocalConfig) *LocalFile {
	root := cfg.Root
	if root == "" {
		root = naming.DefaultLocalRoot
	}
	format := cfg.Format
	if format != FormatText {
		format = FormatJSON
	}
	return &LocalFile{
		name:     "local",
		root:     root,
		format:   format,
		rotation: cfg.Rotation,
		files:    make(map[string]*kindFile),
	}
}

// Name returns the destination name.
func (l *LocalFile) Name() string { return l.name }

// Initialize creates the root directory and checks that it is writable.
func (l *LocalFile) Initialize(context.Context) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return &InitError{Destination: l.name, Err: fmt.Errorf("failed to create log root %s: %w", l.root, err)}
	}
	probe, err := os.CreateTemp(l.root, ".probe-*")
	if err != nil {
		return &InitError{Destination: l.name, Err: fmt.Errorf("log root %s is not writable: %w", l.root, err)}
	}
	probeName := probe.Name()
	_ = probe.Close()
	_ = os.Remove(probeName)
	return nil
}

// Write appends ev to the file for its identity and kind.
func (l *LocalFile) Write(_ context.Context, ev event.Event) error {
	line, err := formatLine(ev, l.format)
	if err != nil {
		return &WriteError{Destination: l.name, Attempts: 1, Err: err}
	}

	f, err := l.file(ev.Identity, ev.Kind)
	if err != nil {
		return &WriteError{Destination: l.name, Attempts: 1, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		// lumberjack would silently reopen the file
		return &WriteError{Destination: l.name, Attempts: 1, Err: errClosed}
	}
	if _, err := f.writer.Write(line); err != nil {
		return &WriteError{Destination: l.name, Attempts: 1, Err: fmt.Errorf("failed to write log line: %w", err)}
	}
	return nil
}

// file returns the open file for id and kind, creating its directory and writer lazily.
func (l *LocalFile) file(id event.Identity, kind event.Kind) (*kindFile, error) {
	path := naming.LocalFile(l.root, id, kind)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errClosed
	}
	if f, ok := l.files[path]; ok {
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	writer, err := l.openWriter(path)
	if err != nil {
		return nil, err
	}
	f := &kindFile{writer: writer}
	l.files[path] = f
	return f, nil
}

// openWriter uses lumberjack when any rotation limit is set, a plain file otherwise.
func (l *LocalFile) openWriter(path string) (io.WriteCloser, error) {
	r := l.rotation
	if r.MaxSizeMB > 0 || r.MaxAgeDays > 0 || r.MaxBackups > 0 {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAge:     r.MaxAgeDays,
			Compress:   r.Compress,
			LocalTime:  false, // Use UTC time for backup names
		}, nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return file, nil
}

// Flush syncs plain files to disk. lumberjack writes straight through.
func (l *LocalFile) Flush(context.Context) error {
	var errs []error
	for _, f := range l.snapshot() {
		f.mu.Lock()
		if file, ok := f.writer.(*os.File); ok {
			if err := file.Sync(); err != nil {
				errs = append(errs, err)
			}
		}
		f.mu.Unlock()
	}
	if err := errors.Join(errs...); err != nil {
		return &FlushError{Destination: l.name, Err: err}
	}
	return nil
}

// Close closes every open file.
func (l *LocalFile) Close() error {
	l.mu.Lock()
	l.closed = true
	files := l.files
	l.files = make(map[string]*kindFile)
	l.mu.Unlock()

	var errs []error
	for _, f := range files {
		f.mu.Lock()
		f.closed = true
		if err := f.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		f.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (l *LocalFile) snapshot() []*kindFile {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*kindFile, 0, len(l.files))
	for _, f := range l.files {
		out = append(out, f)
	}
	return out
}

// Ensure LocalFile implements the Destination interface.
var _ Destination = (*LocalFile)(nil)
