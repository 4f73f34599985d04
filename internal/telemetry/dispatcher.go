package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/uselesscalc/orchestrator/internal/event"
	"github.com/uselesscalc/orchestrator/internal/logger"
	"github.com/uselesscalc/orchestrator/internal/validation"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultInitTimeout     = 15 * time.Second
	redactedValue          = "[REDACTED]"
)

// DestinationStatus is one entry of Health.
type DestinationStatus struct {
	Name  string `json:"name"`
	State State  `json:"state"`
}

// slot is a registered destination and its lifecycle state.
type slot struct {
	dest  Destination
	state atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

// close calls dest.Close at most once, however many paths reach it.
func (s *slot) close() error {
	s.closeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				s.closeErr = fmt.Errorf("panic: %v", r)
			}
		}()
		s.closeErr = s.dest.Close()
	})
	return s.closeErr
}

func (s *slot) load() State    { return State(s.state.Load()) }
func (s *slot) store(st State) { s.state.Store(int32(st)) }
func (s *slot) name() string   { return s.dest.Name() }

// Dispatcher fans every event out to all Ready destinations.
type Dispatcher struct {
	identity        event.Identity
	appLogger       *logger.AppLogger
	warn            *warner
	metrics         *metrics
	redact          []glob.Glob
	shutdownTimeout time.Duration
	initTimeout     time.Duration

	mu       sync.RWMutex
	slots    []*slot
	started  bool
	closing  bool
	inflight sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the application logger used for warnings.
func WithLogger(l *logger.AppLogger) Option {
	return func(d *Dispatcher) { d.appLogger = l }
}

// WithRedaction replaces the value of every attribute whose key matches one of
// the patterns with "[REDACTED]".
func WithRedaction(patterns ...glob.Glob) Option {
	return func(d *Dispatcher) { d.redact = append(d.redact, patterns...) }
}

// WithShutdownTimeout bounds Shutdown when the caller's context has no deadline.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.shutdownTimeout = timeout
		}
	}
}

// WithInitTimeout bounds each destination's Initialize in Start. A destination
// that does not finish in time is marked Failed.
func WithInitTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.initTimeout = timeout
		}
	}
}

// WithWarnRate sets how often repeated warnings for one destination are logged.
func WithWarnRate(every time.Duration, burst int) Option {
	return func(d *Dispatcher) { d.warn = newWarner(d.appLogger, every, burst) }
}

// NewDispatcher creates a Dispatcher that stamps identity on events that carry none.
func NewDispatcher(identity event.Identity, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		identity:        identity,
		appLogger:       logger.GetAppLogger(),
		metrics:         newMetrics(),
		shutdownTimeout: defaultShutdownTimeout,
		initTimeout:     defaultInitTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.warn == nil {
		d.warn = newWarner(d.appLogger, defaultWarnInterval, defaultWarnBurst)
	}
	d.warn.log = d.appLogger
	return d
}

// Identity returns the Dispatcher's identity.
func (d *Dispatcher) Identity() event.Identity {
	return d.identity
}

// Registry exposes the Dispatcher's Prometheus counters.
func (d *Dispatcher) Registry() *prometheus.Registry {
	return d.metrics.registry
}

// Register adds a destination. It must be called before Start.
func (d *Dispatcher) Register(dest Destination) error {
	if dest == nil {
		return errors.New("telemetry: nil destination")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("telemetry: cannot register %q after Start", dest.Name())
	}
	for _, s := range d.slots {
		if s.name() == dest.Name() {
			return fmt.Errorf("telemetry: destination %q already registered", dest.Name())
		}
	}
	if o, ok := dest.(observable); ok {
		o.setObserver(d)
	}
	d.slots = append(d.slots, &slot{dest: dest})
	d.metrics.setReady(dest.Name(), false)
	return nil
}

// Start initializes every registered destination concurrently. A destination
// that fails is marked Failed and excluded; Start itself never fails because of it.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	slots := append([]*slot(nil), d.slots...)
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range slots {
		s.store(StateInitializing)
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			if err := d.initialize(ctx, s.dest); err != nil {
				s.store(StateFailed)
				d.appLogger.Warn("Telemetry destination '%s' disabled: %v", s.name(), err)
				return
			}
			s.store(StateReady)
			d.metrics.setReady(s.name(), true)
			d.appLogger.Info("Initialized telemetry destination '%s'", s.name())
		}(s)
	}
	wg.Wait()
}

// initialize runs dest.Initialize bounded by the init timeout. Initialize is
// not required to honor ctx; if it returns after the deadline the destination
// is closed in the background.
func (d *Dispatcher) initialize(ctx context.Context, dest Destination) error {
	ctx, cancel := context.WithTimeout(ctx, d.initTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- dest.Initialize(ctx)
	}()

	select {
	case err := <-result:
		if err != nil {
			return asInitError(dest.Name(), err)
		}
		return nil
	case <-ctx.Done():
		go func() {
			if err := <-result; err == nil {
				closeQuietly(dest)
			}
		}()
		return asInitError(dest.Name(), fmt.Errorf("initialize did not finish: %w", ctx.Err()))
	}
}

// closeQuietly closes a destination that is no longer tracked.
func closeQuietly(dest Destination) {
	defer func() { _ = recover() }()
	_ = dest.Close()
}

// Dispatch delivers ev to every Ready destination concurrently and waits for
// all of them. It never returns an error: failures are counted and logged.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) {
	d.mu.RLock()
	if d.closing {
		slots := d.readySlots()
		d.mu.RUnlock()
		for _, s := range slots {
			d.metrics.dropped.WithLabelValues(s.name(), ReasonShutdown).Inc()
		}
		return
	}
	d.inflight.Add(1)
	slots := d.readySlots()
	d.mu.RUnlock()
	defer d.inflight.Done()

	ev, ok := d.prepare(ev)
	if !ok {
		return
	}

	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			d.write(ctx, s, ev)
		}(s)
	}
	wg.Wait()
}

// readySlots must be called with d.mu held.
func (d *Dispatcher) readySlots() []*slot {
	ready := make([]*slot, 0, len(d.slots))
	for _, s := range d.slots {
		if s.load() == StateReady {
			ready = append(ready, s)
		}
	}
	return ready
}

// prepare stamps or checks identity, validates and redacts ev.
func (d *Dispatcher) prepare(ev event.Event) (event.Event, bool) {
	if ev.Identity.IsZero() {
		ev.Identity = d.identity
	} else if !ev.Identity.Complete() {
		d.reject("identity is missing %v", ev.Identity.Missing())
		return ev, false
	}
	// Identity segments become directory names and log group names.
	if err := checkIdentity(ev.Identity); err != nil {
		d.reject("%v", err)
		return ev, false
	}
	if err := ev.Validate(); err != nil {
		d.reject("%v", err)
		return ev, false
	}
	if len(d.redact) > 0 {
		ev.Attributes = d.redactAttributes(ev.Attributes)
	}
	return ev, true
}

func checkIdentity(id event.Identity) error {
	for _, seg := range []struct{ name, value string }{
		{"environment", id.Environment},
		{"application", id.Application},
		{"service", id.Service},
		{"host", id.Host},
	} {
		if err := validation.IsValidSegment(seg.value, validation.DefaultMaxSegmentLength); err != nil {
			return fmt.Errorf("identity %s %q: %w", seg.name, seg.value, err)
		}
	}
	return nil
}

func (d *Dispatcher) reject(format string, args ...interface{}) {
	d.metrics.rejected.Inc()
	d.warn.Warn("rejected", "Telemetry event rejected: "+format, args...)
}

// redactAttributes returns a copy of attrs with matching keys replaced. The
// original map is returned untouched when nothing matches.
func (d *Dispatcher) redactAttributes(attrs map[string]any) map[string]any {
	var out map[string]any
	for k := range attrs {
		for _, g := range d.redact {
			if !g.Match(k) {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(attrs))
				for ck, cv := range attrs {
					out[ck] = cv
				}
			}
			out[k] = redactedValue
			break
		}
	}
	if out == nil {
		return attrs
	}
	return out
}

func (d *Dispatcher) write(ctx context.Context, s *slot, ev event.Event) {
	name := s.name()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &WriteError{Destination: name, Attempts: 1, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		return s.dest.Write(ctx, ev)
	}()
	if err != nil {
		d.WriteFailed(name, err)
		return
	}
	d.metrics.dispatched.WithLabelValues(name).Inc()
}

// Dropped implements Observer.
func (d *Dispatcher) Dropped(destination, reason string, n int) {
	d.metrics.dropped.WithLabelValues(destination, reason).Add(float64(n))
	if reason != ReasonShutdown {
		d.warn.Warn(destination, "Telemetry destination '%s' dropped %d event(s): %s", destination, n, reason)
	}
}

// WriteFailed implements Observer.
func (d *Dispatcher) WriteFailed(destination string, err error) {
	d.metrics.writeFailures.WithLabelValues(destination).Inc()
	d.warn.Warn(destination, "Telemetry destination '%s' write failed: %v", destination, err)
}

// Log emits a log event stamped with the Dispatcher identity.
func (d *Dispatcher) Log(ctx context.Context, severity event.Severity, message string, attrs map[string]any) {
	d.Dispatch(ctx, event.NewLog(d.identity, severity, message, attrs))
}

// Metric emits a metric event stamped with the Dispatcher identity.
func (d *Dispatcher) Metric(ctx context.Context, name string, value float64, attrs map[string]any) {
	d.Dispatch(ctx, event.NewMetric(d.identity, name, value, attrs))
}

// Trace emits a trace event stamped with the Dispatcher identity.
func (d *Dispatcher) Trace(ctx context.Context, operation, traceID, spanID string, duration time.Duration, attrs map[string]any) {
	d.Dispatch(ctx, event.NewTrace(d.identity, operation, traceID, spanID, duration, attrs))
}

// Error emits an ERROR log event describing err.
func (d *Dispatcher) Error(ctx context.Context, err error, attrs map[string]any) {
	d.Dispatch(ctx, event.NewError(d.identity, err, attrs))
}

// Health returns the state of every registered destination in registration order.
func (d *Dispatcher) Health() []DestinationStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DestinationStatus, 0, len(d.slots))
	for _, s := range d.slots {
		out = append(out, DestinationStatus{Name: s.name(), State: s.load()})
	}
	return out
}

// Ready reports whether at least one destination is Ready.
func (d *Dispatcher) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.readySlots()) > 0
}

// Shutdown stops accepting events, then flushes and closes every Ready
// destination concurrently. It returns once all destinations are done or the
// deadline (ctx or the configured shutdown timeout, whichever is sooner) passes;
// destinations still running at that point are marked Closed and reported with
// ErrShutdownTimeout.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	slots := d.readySlots()
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.shutdownTimeout)
	defer cancel()

	d.appLogger.Info("Shutting down... Flushing telemetry destinations.")

	idle := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
	}

	type result struct {
		idx int
		err error
	}
	results := make(chan result, len(slots))
	for i, s := range slots {
		go func(i int, s *slot) {
			results <- result{idx: i, err: d.flushAndClose(ctx, s)}
		}(i, s)
	}

	var errs []error
	finished := make([]bool, len(slots))
	for remaining := len(slots); remaining > 0; remaining-- {
		select {
		case r := <-results:
			finished[r.idx] = true
			if r.err != nil {
				errs = append(errs, r.err)
			}
		case <-ctx.Done():
			for i, s := range slots {
				if !finished[i] {
					s.store(StateClosed)
					d.metrics.setReady(s.name(), false)
					d.appLogger.Warn("Telemetry destination '%s' did not shut down in time; forced closed", s.name())
					go func(s *slot) { _ = s.close() }(s)
				}
			}
			errs = append(errs, ErrShutdownTimeout)
			return errors.Join(errs...)
		}
	}
	d.appLogger.Info("Telemetry destinations closed.")
	return errors.Join(errs...)
}

func (d *Dispatcher) flushAndClose(ctx context.Context, s *slot) (err error) {
	name := s.name()
	defer func() {
		if r := recover(); r != nil {
			err = &FlushError{Destination: name, Err: fmt.Errorf("panic: %v", r)}
		}
		s.store(StateClosed)
		d.metrics.setReady(name, false)
	}()

	var errs []error
	if ferr := s.dest.Flush(ctx); ferr != nil {
		var flushErr *FlushError
		if !errors.As(ferr, &flushErr) {
			ferr = &FlushError{Destination: name, Err: ferr}
		}
		errs = append(errs, ferr)
	}
	if cerr := s.close(); cerr != nil {
		errs = append(errs, fmt.Errorf("telemetry: close %s: %w", name, cerr))
	}
	return errors.Join(errs...)
}

var _ Observer = (*Dispatcher)(nil)
