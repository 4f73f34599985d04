package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/event"
)

const (
	instrumentationKeyHeader = "x-instrumentation-key"
	otlpScopeName            = "github.com/uselesscalc/orchestrator/internal/telemetry"
	exporterShutdownTimeout  = 5 * time.Second
	endpointProbeTimeout     = 5 * time.Second
)

type logExporter interface {
	Export(ctx context.Context, records []sdklog.Record) error
	Shutdown(ctx context.Context) error
}

type metricExporter interface {
	Export(ctx context.Context, rm *metricdata.ResourceMetrics) error
	Shutdown(ctx context.Context) error
}

type spanExporter interface {
	ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error
	Shutdown(ctx context.Context) error
}

// otlpExporters is one exporter per signal, each with its own endpoint.
type otlpExporters struct {
	logs    logExporter
	metrics metricExporter
	traces  spanExporter
}

func (e *otlpExporters) shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range []func(context.Context) error{e.logs.Shutdown, e.metrics.Shutdown, e.traces.Shutdown} {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newOTLPExporters can be replaced in tests.
var newOTLPExporters = func(ctx context.Context, cfg config.AzureMonitorConfig) (*otlpExporters, error) {
	headers := map[string]string{instrumentationKeyHeader: cfg.InstrumentationKey}

	logTarget, logInsecure, err := grpcTarget(cfg.LogsEndpoint)
	if err != nil {
		return nil, err
	}
	logOpts := []otlploggrpc.Option{
		otlploggrpc.WithEndpoint(logTarget),
		otlploggrpc.WithHeaders(headers),
		otlploggrpc.WithRetry(otlploggrpc.RetryConfig{Enabled: false}),
	}
	if logInsecure {
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}
	logExp, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	metricTarget, metricInsecure, err := grpcTarget(cfg.MetricsEndpoint)
	if err != nil {
		_ = logExp.Shutdown(ctx)
		return nil, err
	}
	metricOpts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(metricTarget),
		otlpmetricgrpc.WithHeaders(headers),
		otlpmetricgrpc.WithRetry(otlpmetricgrpc.RetryConfig{Enabled: false}),
	}
	if metricInsecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = logExp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	traceTarget, traceInsecure, err := grpcTarget(cfg.TracesEndpoint)
	if err != nil {
		_ = logExp.Shutdown(ctx)
		_ = metricExp.Shutdown(ctx)
		return nil, err
	}
	traceOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(traceTarget),
		otlptracegrpc.WithHeaders(headers),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{Enabled: false}),
	}
	if traceInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		_ = logExp.Shutdown(ctx)
		_ = metricExp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	return &otlpExporters{logs: logExp, metrics: metricExp, traces: traceExp}, nil
}

// grpcTarget normalizes an endpoint URL to host:port for the gRPC dial. Paths are
// ignored; anything but https is dialed without TLS.
func grpcTarget(endpoint string) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", false, errors.New("OTLP endpoint is empty")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

// probeEndpoint checks that addr accepts TCP connections. The gRPC exporters
// connect lazily, so this is the only reachability check before Ready.
var probeEndpoint = func(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// dialAddress returns host:port for an endpoint, defaulting the port to 443
// for https and 4317 otherwise.
func dialAddress(endpoint string) (string, error) {
	target, insecure, err := grpcTarget(endpoint)
	if err != nil {
		return "", err
	}
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}
	port := "443"
	if insecure {
		port = "4317"
	}
	return net.JoinHostPort(strings.Trim(target, "[]"), port), nil
}

// identityResource describes the emitting service per OpenTelemetry resource conventions.
func identityResource(id event.Identity) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceNameKey.String(id.Service),
			semconv.ServiceNamespaceKey.String(id.Environment+"."+id.Application),
			semconv.ServiceInstanceIDKey.String(id.Service+"-"+id.Host),
			attribute.String("deployment.environment", id.Environment),
		),
	)
}

// recordCollector is a log Processor that keeps emitted records so they can be
// exported through the shared retry policy instead of an SDK batch processor.
type recordCollector struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (c *recordCollector) OnEmit(_ context.Context, r *sdklog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r.Clone())
	return nil
}

func (c *recordCollector) Enabled(context.Context, sdklog.EnabledParameters) bool { return true }
func (c *recordCollector) Shutdown(context.Context) error                         { return nil }
func (c *recordCollector) ForceFlush(context.Context) error                       { return nil }

var _ sdklog.Processor = (*recordCollector)(nil)

func (c *recordCollector) take() []sdklog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.records
	c.records = nil
	return out
}

// otlpSource holds the resource and log pipeline for one identity.
type otlpSource struct {
	res       *resource.Resource
	provider  *sdklog.LoggerProvider
	logger    otellog.Logger
	collector *recordCollector
}

// AzureMonitor exports events through three OTLP exporters: logs become log
// records, metrics become gauge points and traces become finished spans.
type AzureMonitor struct {
	name  string
	cfg   config.AzureMonitorConfig
	batch *batcher

	mu        sync.Mutex
	exporters *otlpExporters
	sources   map[event.Identity]*otlpSource
}

// NewAzureMonitor creates an Azure Monitor destination. Exporters are created by Initialize.
func NewAzureMonitor(cfg config.AzureMonitorConfig, delivery config.DeliveryConfig) *AzureMonitor {
	a := &AzureMonitor{
		name:    "azure_monitor",
		cfg:     cfg,
		sources: make(map[event.Identity]*otlpSource),
	}
	a.batch = newBatcher(a.name, delivery, a.sink)
	return a
}

// Name returns the destination name.
func (a *AzureMonitor) Name() string { return a.name }

func (a *AzureMonitor) setObserver(o Observer) { a.batch.setObserver(o) }

// Initialize creates the exporters.
func (a *AzureMonitor) Initialize(ctx context.Context) error {
	if a.cfg.InstrumentationKey == "" {
		return &InitError{Destination: a.name, Err: errors.New("instrumentation key is required")}
	}
	if err := a.probe(ctx); err != nil {
		return &InitError{Destination: a.name, Err: err}
	}
	exporters, err := newOTLPExporters(ctx, a.cfg)
	if err != nil {
		return &InitError{Destination: a.name, Err: err}
	}
	a.mu.Lock()
	a.exporters = exporters
	a.mu.Unlock()
	a.batch.start()
	return nil
}

// probe dials every distinct endpoint once, bounded by endpointProbeTimeout.
func (a *AzureMonitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, endpointProbeTimeout)
	defer cancel()

	seen := make(map[string]bool, 3)
	for _, endpoint := range []string{a.cfg.LogsEndpoint, a.cfg.MetricsEndpoint, a.cfg.TracesEndpoint} {
		addr, err := dialAddress(endpoint)
		if err != nil {
			return err
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		if err := probeEndpoint(ctx, addr); err != nil {
			return fmt.Errorf("OTLP endpoint %s unreachable: %w", addr, err)
		}
	}
	return nil
}

// Write enqueues ev for the background flusher.
func (a *AzureMonitor) Write(_ context.Context, ev event.Event) error {
	if err := a.batch.enqueue(ev); err != nil {
		return &WriteError{Destination: a.name, Attempts: 1, Err: err}
	}
	return nil
}

// Flush exports everything queued, bounded by ctx.
func (a *AzureMonitor) Flush(ctx context.Context) error { return a.batch.flush(ctx) }

// Close stops the flusher and shuts the exporters down.
func (a *AzureMonitor) Close() error {
	a.batch.close()

	a.mu.Lock()
	exporters := a.exporters
	sources := a.sources
	a.exporters = nil
	a.sources = make(map[event.Identity]*otlpSource)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), exporterShutdownTimeout)
	defer cancel()

	var errs []error
	for _, src := range sources {
		if err := src.provider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if exporters != nil {
		if err := exporters.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *AzureMonitor) source(id event.Identity) (*otlpSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if src, ok := a.sources[id]; ok {
		return src, nil
	}
	res, err := identityResource(id)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}
	collector := &recordCollector{}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(collector),
		sdklog.WithResource(res),
	)
	src := &otlpSource{
		res:       res,
		provider:  provider,
		logger:    provider.Logger(otlpScopeName),
		collector: collector,
	}
	a.sources[id] = src
	return src, nil
}

func (a *AzureMonitor) currentExporters() *otlpExporters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exporters
}

type otlpGroup struct {
	id   event.Identity
	kind event.Kind
}

// sink groups a batch per identity and kind and exports each group with one call.
func (a *AzureMonitor) sink(ctx context.Context, batch []event.Event) error {
	exporters := a.currentExporters()
	if exporters == nil {
		return &WriteError{Destination: a.name, Attempts: 0, Err: errClosed}
	}

	var order []otlpGroup
	groups := make(map[otlpGroup][]event.Event)
	for _, ev := range batch {
		g := otlpGroup{id: ev.Identity, kind: ev.Kind}
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], ev)
	}

	var errs []error
	for _, g := range order {
		events := groups[g]
		src, err := a.source(g.id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var export func(ctx context.Context) error
		switch g.kind {
		case event.KindLog:
			records := a.logRecords(ctx, src, events)
			export = func(ctx context.Context) error { return exporters.logs.Export(ctx, records) }
		case event.KindMetric:
			rm := metricPoints(src.res, events)
			export = func(ctx context.Context) error { return exporters.metrics.Export(ctx, rm) }
		case event.KindTrace:
			spans := traceSpans(src.res, events)
			export = func(ctx context.Context) error { return exporters.traces.ExportSpans(ctx, spans) }
		default:
			continue
		}
		if err := a.batch.submit(ctx, len(events), export); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *AzureMonitor) logRecords(ctx context.Context, src *otlpSource, events []event.Event) []sdklog.Record {
	for _, ev := range events {
		var r otellog.Record
		r.SetTimestamp(ev.Timestamp)
		r.SetObservedTimestamp(time.Now())
		r.SetSeverity(otelSeverity(ev.Severity))
		r.SetSeverityText(ev.Severity.String())
		r.SetBody(otellog.StringValue(ev.Name))
		r.AddAttributes(otellog.String("event.id", ev.ID))
		for k, v := range ev.Attributes {
			r.AddAttributes(logKeyValue(k, v))
		}
		src.logger.Emit(ctx, r)
	}
	return src.collector.take()
}

func metricPoints(res *resource.Resource, events []event.Event) *metricdata.ResourceMetrics {
	var order []string
	points := make(map[string][]metricdata.DataPoint[float64])
	for _, ev := range events {
		if _, ok := points[ev.Name]; !ok {
			order = append(order, ev.Name)
		}
		points[ev.Name] = append(points[ev.Name], metricdata.DataPoint[float64]{
			Attributes: attribute.NewSet(attributeKeyValues(ev.Attributes, nil)...),
			Time:       ev.Timestamp,
			Value:      ev.Value,
		})
	}
	metrics := make([]metricdata.Metrics, 0, len(order))
	for _, name := range order {
		metrics = append(metrics, metricdata.Metrics{
			Name: name,
			Data: metricdata.Gauge[float64]{DataPoints: points[name]},
		})
	}
	return &metricdata.ResourceMetrics{
		Resource: res,
		ScopeMetrics: []metricdata.ScopeMetrics{{
			Scope:   instrumentation.Scope{Name: otlpScopeName},
			Metrics: metrics,
		}},
	}
}

var traceReserved = map[string]bool{"trace_id": true, "span_id": true, "duration_ms": true}

func traceSpans(res *resource.Resource, events []event.Event) []sdktrace.ReadOnlySpan {
	stubs := make(tracetest.SpanStubs, 0, len(events))
	for _, ev := range events {
		traceID, spanID := spanIDs(ev.Attributes)
		var duration time.Duration
		if ms, ok := ev.Attributes["duration_ms"].(float64); ok {
			duration = time.Duration(ms * float64(time.Millisecond))
		}
		stubs = append(stubs, tracetest.SpanStub{
			Name: ev.Name,
			SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     spanID,
				TraceFlags: trace.FlagsSampled,
			}),
			SpanKind:             trace.SpanKindInternal,
			StartTime:            ev.Timestamp.Add(-duration),
			EndTime:              ev.Timestamp,
			Attributes:           attributeKeyValues(ev.Attributes, traceReserved),
			Resource:             res,
			InstrumentationScope: instrumentation.Scope{Name: otlpScopeName},
		})
	}
	return stubs.Snapshots()
}

// spanIDs parses hex trace/span IDs, generating random ones when absent or malformed.
func spanIDs(attrs map[string]any) (trace.TraceID, trace.SpanID) {
	var (
		traceID trace.TraceID
		spanID  trace.SpanID
	)
	if s, ok := attrs["trace_id"].(string); ok {
		traceID, _ = trace.TraceIDFromHex(s)
	}
	if s, ok := attrs["span_id"].(string); ok {
		spanID, _ = trace.SpanIDFromHex(s)
	}
	if !traceID.IsValid() {
		traceID = trace.TraceID(uuid.New())
	}
	if !spanID.IsValid() {
		u := uuid.New()
		copy(spanID[:], u[:8])
	}
	return traceID, spanID
}

func otelSeverity(s event.Severity) otellog.Severity {
	switch s {
	case event.SeverityDebug:
		return otellog.SeverityDebug
	case event.SeverityWarn:
		return otellog.SeverityWarn
	case event.SeverityError:
		return otellog.SeverityError
	default:
		return otellog.SeverityInfo
	}
}

func logKeyValue(k string, v any) otellog.KeyValue {
	switch v := v.(type) {
	case string:
		return otellog.String(k, v)
	case bool:
		return otellog.Bool(k, v)
	case int:
		return otellog.Int(k, v)
	case int64:
		return otellog.Int64(k, v)
	case float64:
		return otellog.Float64(k, v)
	default:
		return otellog.String(k, fmt.Sprintf("%v", v))
	}
}

func attributeKeyValues(attrs map[string]any, skip map[string]bool) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		if skip[k] {
			continue
		}
		switch v := v.(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case int64:
			out = append(out, attribute.Int64(k, v))
		case float64:
			out = append(out, attribute.Float64(k, v))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", v)))
		}
	}
	return out
}

// Ensure AzureMonitor implements the Destination interface.
var _ Destination = (*AzureMonitor)(nil)
