package telemetry

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/glob"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/event"
	"github.com/uselesscalc/orchestrator/internal/logger"
)

var testIdentity = event.Identity{Environment: "dev", Application: "calc", Service: "web", Host: "h1"}

// fakeDestination records events and can be told to fail or stall.
type fakeDestination struct {
	name       string
	initErr    error
	writeErr   error
	panicWrite bool
	blockFlush chan struct{} // when set, Flush waits on it and ignores ctx
	blockInit  chan struct{} // when set, Initialize waits on it and ignores ctx

	mu      sync.Mutex
	events  []event.Event
	flushed int
	closed  int
}

func newFake(name string) *fakeDestination { return &fakeDestination{name: name} }

func (f *fakeDestination) Name() string { return f.name }

func (f *fakeDestination) Initialize(context.Context) error {
	if f.blockInit != nil {
		<-f.blockInit
	}
	return f.initErr
}

func (f *fakeDestination) Write(_ context.Context, ev event.Event) error {
	if f.panicWrite {
		panic("boom")
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeDestination) Flush(context.Context) error {
	if f.blockFlush != nil {
		<-f.blockFlush
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func (f *fakeDestination) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeDestination) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeDestination) received() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Event(nil), f.events...)
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := logger.New(&syncWriter{w: &buf}, logger.INFO)
	d := NewDispatcher(testIdentity, append([]Option{WithLogger(l)}, opts...)...)
	return d, &buf
}

// syncWriter guards a bytes.Buffer shared by concurrent warnings.
type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func TestDispatcher_DeliversToEveryReadyDestination(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		d, _ := newTestDispatcher(t)
		fakes := make([]*fakeDestination, n)
		for i := range fakes {
			fakes[i] = newFake(string(rune('a' + i)))
			require.NoError(t, d.Register(fakes[i]))
		}
		d.Start(context.Background())

		for i := 0; i < 10; i++ {
			d.Log(context.Background(), event.SeverityInfo, "hello", nil)
		}

		for _, f := range fakes {
			assert.Len(t, f.received(), 10)
			assert.Equal(t, 10.0, testutil.ToFloat64(d.metrics.dispatched.WithLabelValues(f.name)))
		}
	}
}

func TestDispatcher_InitFailureIsIsolated(t *testing.T) {
	d, logs := newTestDispatcher(t)
	good := newFake("good")
	bad := newFake("bad")
	bad.initErr = errors.New("no credentials")
	require.NoError(t, d.Register(bad))
	require.NoError(t, d.Register(good))

	d.Start(context.Background())

	assert.Equal(t, []DestinationStatus{
		{Name: "bad", State: StateFailed},
		{Name: "good", State: StateReady},
	}, d.Health())
	assert.True(t, d.Ready())
	assert.Contains(t, logs.String(), "Telemetry destination 'bad' disabled")
	assert.Contains(t, logs.String(), "no credentials")

	d.Metric(context.Background(), "requests", 1, nil)
	assert.Len(t, good.received(), 1)
	assert.Empty(t, bad.received())
	assert.Equal(t, 0.0, testutil.ToFloat64(d.metrics.ready.WithLabelValues("bad")))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.ready.WithLabelValues("good")))
}

func TestDispatcher_InitTimeout(t *testing.T) {
	d, logs := newTestDispatcher(t, WithInitTimeout(50*time.Millisecond))
	hung := newFake("hung")
	hung.blockInit = make(chan struct{})
	console := newFake("console")
	require.NoError(t, d.Register(hung))
	require.NoError(t, d.Register(console))

	start := time.Now()
	d.Start(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []DestinationStatus{
		{Name: "hung", State: StateFailed},
		{Name: "console", State: StateReady},
	}, d.Health())
	assert.Contains(t, logs.String(), "initialize did not finish")

	d.Log(context.Background(), event.SeverityInfo, "still served", nil)
	assert.Len(t, console.received(), 1)
	assert.Empty(t, hung.received())

	// A late successful Initialize is closed, not leaked.
	close(hung.blockInit)
	assert.Eventually(t, func() bool { return hung.closeCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_AllFailedIsNotReady(t *testing.T) {
	d, _ := newTestDispatcher(t)
	bad := newFake("bad")
	bad.initErr = &InitError{Destination: "bad", Err: errors.New("unwritable")}
	require.NoError(t, d.Register(bad))
	d.Start(context.Background())

	assert.False(t, d.Ready())
	d.Log(context.Background(), event.SeverityInfo, "nowhere", nil)
}

func TestDispatcher_WriteFailureAndPanicAreContained(t *testing.T) {
	d, logs := newTestDispatcher(t)
	good := newFake("good")
	failing := newFake("failing")
	failing.writeErr = errors.New("disk full")
	panicking := newFake("panicking")
	panicking.panicWrite = true
	for _, f := range []*fakeDestination{failing, panicking, good} {
		require.NoError(t, d.Register(f))
	}
	d.Start(context.Background())

	d.Log(context.Background(), event.SeverityError, "still delivered", nil)

	assert.Len(t, good.received(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.writeFailures.WithLabelValues("failing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.writeFailures.WithLabelValues("panicking")))
	assert.Contains(t, logs.String(), "disk full")
	assert.Contains(t, logs.String(), "panic: boom")
}

func TestDispatcher_ConcurrentDispatch(t *testing.T) {
	d, _ := newTestDispatcher(t)
	fakes := []*fakeDestination{newFake("a"), newFake("b"), newFake("c")}
	for _, f := range fakes {
		require.NoError(t, d.Register(f))
	}
	d.Start(context.Background())

	var wg sync.WaitGroup
	for w := 0; w < 50; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				d.Log(context.Background(), event.SeverityInfo, "line", map[string]any{"i": i})
			}
		}()
	}
	wg.Wait()

	for _, f := range fakes {
		assert.Len(t, f.received(), 5000)
	}
}

func TestDispatcher_IdentityStampingAndRejection(t *testing.T) {
	d, _ := newTestDispatcher(t)
	f := newFake("f")
	require.NoError(t, d.Register(f))
	d.Start(context.Background())

	// No identity: stamped with the Dispatcher's.
	d.Dispatch(context.Background(), event.NewLog(event.Identity{}, event.SeverityInfo, "anonymous", nil))
	// Complete foreign identity: kept.
	other := event.Identity{Environment: "prod", Application: "calc", Service: "add", Host: "h2"}
	d.Dispatch(context.Background(), event.NewLog(other, event.SeverityInfo, "foreign", nil))
	// Partial identity: rejected.
	d.Dispatch(context.Background(), event.NewLog(event.Identity{Environment: "dev"}, event.SeverityInfo, "partial", nil))
	// Invalid event: rejected.
	d.Dispatch(context.Background(), event.NewLog(testIdentity, event.SeverityInfo, "", nil))

	got := f.received()
	require.Len(t, got, 2)
	assert.Equal(t, testIdentity, got[0].Identity)
	assert.Equal(t, other, got[1].Identity)
	assert.Equal(t, 2.0, testutil.ToFloat64(d.metrics.rejected))
}

func TestDispatcher_RejectsUnsafeIdentitySegments(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b", "c", "logs")
	require.NoError(t, os.MkdirAll(root, 0o755))
	d, _ := newTestDispatcher(t)
	local := NewLocalFile(config.LocalConfig{Root: root, Format: FormatJSON})
	require.NoError(t, d.Register(local))
	d.Start(context.Background())
	defer func() { _ = d.Shutdown(context.Background()) }()

	for _, id := range []event.Identity{
		{Environment: "..", Application: "..", Service: "..", Host: "h1"},
		{Environment: "dev", Application: "calc/../../x", Service: "web", Host: "h1"},
		{Environment: "dev", Application: "calc", Service: "web", Host: "."},
	} {
		d.Dispatch(context.Background(), event.NewLog(id, event.SeverityInfo, "escape", nil))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(d.metrics.rejected))
	assert.Equal(t, 0.0, testutil.ToFloat64(d.metrics.dispatched.WithLabelValues(local.Name())))
	entries, err := os.ReadDir(filepath.Dir(filepath.Dir(filepath.Dir(root))))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "b", e.Name(), "nothing may be written beside the root's ancestors")
	}
}

func TestDispatcher_RejectsNonFiniteMetric(t *testing.T) {
	d, _ := newTestDispatcher(t)
	f := newFake("f")
	require.NoError(t, d.Register(f))
	d.Start(context.Background())

	d.Metric(context.Background(), "ratio", math.NaN(), nil)
	d.Metric(context.Background(), "ratio", math.Inf(1), nil)
	d.Metric(context.Background(), "ratio", 0.5, nil)

	require.Len(t, f.received(), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(d.metrics.rejected))
	assert.Equal(t, 0.0, testutil.ToFloat64(d.metrics.writeFailures.WithLabelValues("f")))
}

func TestDispatcher_Redaction(t *testing.T) {
	d, _ := newTestDispatcher(t, WithRedaction(glob.MustCompile("password"), glob.MustCompile("*_token")))
	f := newFake("f")
	require.NoError(t, d.Register(f))
	d.Start(context.Background())

	attrs := map[string]any{"password": "hunter2", "api_token": "abc", "user": "ann"}
	ev := event.NewLog(testIdentity, event.SeverityInfo, "login", attrs)
	d.Dispatch(context.Background(), ev)

	got := f.received()
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"password": "[REDACTED]", "api_token": "[REDACTED]", "user": "ann"}, got[0].Attributes)
	// The caller's event is untouched.
	assert.Equal(t, "hunter2", ev.Attributes["password"])
}

func TestDispatcher_Register(t *testing.T) {
	d, _ := newTestDispatcher(t)
	assert.Error(t, d.Register(nil))
	require.NoError(t, d.Register(newFake("a")))
	assert.Error(t, d.Register(newFake("a")), "duplicate name")

	d.Start(context.Background())
	assert.Error(t, d.Register(newFake("b")), "after Start")
	d.Start(context.Background()) // second Start is a no-op
}

func TestDispatcher_Shutdown(t *testing.T) {
	d, _ := newTestDispatcher(t)
	a, b := newFake("a"), newFake("b")
	require.NoError(t, d.Register(a))
	require.NoError(t, d.Register(b))
	d.Start(context.Background())
	d.Log(context.Background(), event.SeverityInfo, "before", nil)

	require.NoError(t, d.Shutdown(context.Background()))

	for _, f := range []*fakeDestination{a, b} {
		assert.Equal(t, 1, f.flushed)
		assert.Equal(t, 1, f.closed)
	}
	for _, st := range d.Health() {
		assert.Equal(t, StateClosed, st.State)
	}
	assert.False(t, d.Ready())

	// Events after shutdown are dropped, and a second Shutdown is a no-op.
	d.Log(context.Background(), event.SeverityInfo, "after", nil)
	assert.Len(t, a.received(), 1)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, 1, a.closed)
}

func TestDispatcher_ShutdownDropsAfterStop(t *testing.T) {
	d, _ := newTestDispatcher(t)
	a := newFake("a")
	a.blockFlush = make(chan struct{})
	require.NoError(t, d.Register(a))
	d.Start(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Shutdown(context.Background()) }()

	// Wait until Shutdown has stopped acceptance.
	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return d.closing
	}, time.Second, time.Millisecond)

	d.Log(context.Background(), event.SeverityInfo, "late", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.dropped.WithLabelValues("a", ReasonShutdown)))
	assert.Empty(t, a.received())

	close(a.blockFlush)
	require.NoError(t, <-done)
}

func TestDispatcher_ShutdownTimeout(t *testing.T) {
	d, logs := newTestDispatcher(t, WithShutdownTimeout(100*time.Millisecond))
	slow := newFake("slow")
	slow.blockFlush = make(chan struct{})
	defer close(slow.blockFlush)
	fast := newFake("fast")
	require.NoError(t, d.Register(slow))
	require.NoError(t, d.Register(fast))
	d.Start(context.Background())

	start := time.Now()
	err := d.Shutdown(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 1, fast.closed)
	assert.Contains(t, logs.String(), "Telemetry destination 'slow' did not shut down in time")
	// The stuck destination is still closed, exactly once.
	assert.Eventually(t, func() bool { return slow.closeCount() == 1 }, time.Second, 5*time.Millisecond)
	for _, st := range d.Health() {
		assert.Equal(t, StateClosed, st.State, st.Name)
	}
}

func TestDispatcher_ShutdownJoinsFlushErrors(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.Register(&failingFlush{fakeDestination: newFake("x")}))
	d.Start(context.Background())

	err := d.Shutdown(context.Background())
	require.Error(t, err)
	var flushErr *FlushError
	require.True(t, errors.As(err, &flushErr))
	assert.Equal(t, "x", flushErr.Destination)
	assert.NotErrorIs(t, err, ErrShutdownTimeout)
}

type failingFlush struct{ *fakeDestination }

func (f *failingFlush) Flush(context.Context) error { return errors.New("queue stuck") }

func TestDispatcher_Emitters(t *testing.T) {
	d, _ := newTestDispatcher(t)
	f := newFake("f")
	require.NoError(t, d.Register(f))
	d.Start(context.Background())
	ctx := context.Background()

	d.Log(ctx, event.SeverityWarn, "careful", nil)
	d.Metric(ctx, "requests_per_second", 150, nil)
	d.Trace(ctx, "compute", "t1", "s1", 25*time.Millisecond, nil)
	d.Error(ctx, errors.New("division by zero"), map[string]any{"op": "divide"})

	got := f.received()
	require.Len(t, got, 4)
	assert.Equal(t, event.KindLog, got[0].Kind)
	assert.Equal(t, event.KindMetric, got[1].Kind)
	assert.Equal(t, 150.0, got[1].Value)
	assert.Equal(t, event.KindTrace, got[2].Kind)
	assert.Equal(t, 25.0, got[2].Attributes["duration_ms"])
	assert.Equal(t, event.SeverityError, got[3].Severity)
	assert.Equal(t, "divide", got[3].Attributes["op"])
	for _, ev := range got {
		assert.Equal(t, testIdentity, ev.Identity)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	text, err := StateClosed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "closed", string(text))
}

func TestErrorTypesUnwrap(t *testing.T) {
	cause := errors.New("cause")
	assert.ErrorIs(t, &InitError{Destination: "a", Err: cause}, cause)
	assert.ErrorIs(t, &WriteError{Destination: "a", Attempts: 3, Err: cause}, cause)
	assert.ErrorIs(t, &FlushError{Destination: "a", Err: cause}, cause)
	assert.Contains(t, (&WriteError{Destination: "a", Attempts: 3, Err: cause}).Error(), "3 attempt(s)")
}
