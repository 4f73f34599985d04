package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/iputil"
	"github.com/uselesscalc/orchestrator/internal/logger"
	"github.com/uselesscalc/orchestrator/internal/telemetry"
	"github.com/uselesscalc/orchestrator/internal/validation"
	"github.com/uselesscalc/orchestrator/internal/version"
)

const (
	// Rate limiter entries unused for this long are removed.
	limiterIdleTTL         = 10 * time.Minute
	limiterCleanupInterval = time.Minute

	requestDurationMetric = "http_request_duration_ms"
	unmatchedRoute        = "unmatched"
)

// Dependencies holds the dependencies needed by the server.
type Dependencies struct {
	Config     *config.Config
	Dispatcher *telemetry.Dispatcher
	AppLogger  *logger.AppLogger
}

// rateLimiterEntry is a per-client limiter. lastSeen holds UnixNano.
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// Server exposes health, version and metrics endpoints and reports every
// request it serves through the telemetry dispatcher.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     *config.Config
	dispatcher *telemetry.Dispatcher
	appLogger  *logger.AppLogger
	clientIPs  *iputil.Resolver

	limiters   sync.Map // client IP -> *rateLimiterEntry
	rateLimit  rate.Limit
	burstLimit int

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewServer creates a new server instance with its dependencies.
func NewServer(deps Dependencies) *Server {
	if deps.Config == nil {
		panic("server: Config dependency cannot be nil")
	}
	if deps.Dispatcher == nil {
		panic("server: Dispatcher dependency cannot be nil")
	}
	if deps.AppLogger == nil {
		deps.AppLogger = logger.GetAppLogger()
	}

	clientIPs, err := iputil.NewResolver(deps.Config.HTTP.TrustedProxies, deps.Config.HTTP.ClientIPHeader)
	if err != nil {
		// Validation should have caught this.
		panic(fmt.Sprintf("server: failed to parse pre-validated trusted proxies: %v", err))
	}

	if deps.AppLogger.Enabled(logger.DEBUG) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:       router,
		config:       deps.Config,
		dispatcher:   deps.Dispatcher,
		appLogger:    deps.AppLogger,
		clientIPs:    clientIPs,
		rateLimit:    rate.Inf,
		shutdownChan: make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              deps.Config.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if limit := deps.Config.HTTP.RateLimit; limit > 0 {
		// Requests per minute to requests per second; bursts up to the per-minute limit.
		s.rateLimit = rate.Limit(float64(limit) / 60.0)
		s.burstLimit = limit
		s.appLogger.Info("Rate limiting enabled: Rate=%.2f req/sec, Burst=%d", float64(s.rateLimit), s.burstLimit)
		go s.cleanupRateLimiters()
	}

	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.telemetryMiddleware())
	if s.rateLimit != rate.Inf {
		s.router.Use(s.rateLimitMiddleware())
	}

	// Health check endpoint (never rate limited)
	s.router.GET("/health", s.handleHealth)
	s.router.HEAD("/health", s.handleHealth)
	s.router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, version.Current())
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.dispatcher.Registry(), promhttp.HandlerOpts{})))

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// handleHealth answers 200 while at least one destination is Ready, 503 otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	destinations := s.dispatcher.Health()
	status, code := "ok", http.StatusOK
	if !s.dispatcher.Ready() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	s.appLogger.Health("Health check from %s: %s", s.clientIPs.ClientIP(c.Request), status)

	if c.Request.Method == http.MethodHead {
		c.Status(code)
		return
	}
	c.JSON(code, gin.H{"status": status, "destinations": destinations})
}

// telemetryMiddleware emits one trace and one duration metric per request.
// Incoming W3C traceparent headers are continued.
func (s *Server) telemetryMiddleware() gin.HandlerFunc {
	propagator := propagation.TraceContext{}
	return func(c *gin.Context) {
		start := time.Now()
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		c.Next()

		duration := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		attrs := map[string]any{
			"http.method":      c.Request.Method,
			"http.route":       route,
			"http.status_code": c.Writer.Status(),
			"client_ip":        s.clientIPs.ClientIP(c.Request),
		}
		if ua := c.Request.UserAgent(); ua != "" {
			attrs["user_agent"] = ua
		}

		traceID, spanID, parentID := requestSpan(ctx)
		traceAttrs := validation.SanitizeAttributes(attrs, validation.DefaultMaxKeyLength, validation.DefaultMaxValueLength)
		if parentID != "" {
			traceAttrs["parent_span_id"] = parentID
		}
		s.dispatcher.Trace(ctx, c.Request.Method+" "+route, traceID, spanID, duration, traceAttrs)
		s.dispatcher.Metric(ctx, requestDurationMetric, float64(duration)/float64(time.Millisecond),
			validation.SanitizeAttributes(attrs, validation.DefaultMaxKeyLength, validation.DefaultMaxValueLength))
	}
}

// requestSpan returns IDs for the request span. The trace ID is inherited from
// a valid remote parent, otherwise generated.
func requestSpan(ctx context.Context) (traceID, spanID, parentID string) {
	span := uuid.New()
	spanID = hex.EncodeToString(span[:8])

	parent := trace.SpanContextFromContext(ctx)
	if parent.IsValid() {
		return parent.TraceID().String(), spanID, parent.SpanID().String()
	}
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", ""), spanID, ""
}

// rateLimitMiddleware limits requests per client IP. Health probes are exempt.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		ip := s.clientIPs.ClientIP(c.Request)
		entry := s.limiterFor(ip)
		if !entry.limiter.Allow() {
			s.appLogger.Debug("Rate limit exceeded for IP: %s", ip)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) limiterFor(ip string) *rateLimiterEntry {
	now := time.Now().UnixNano()
	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*rateLimiterEntry)
		entry.lastSeen.Store(now)
		return entry
	}
	fresh := &rateLimiterEntry{limiter: rate.NewLimiter(s.rateLimit, s.burstLimit)}
	fresh.lastSeen.Store(now)
	v, _ := s.limiters.LoadOrStore(ip, fresh)
	return v.(*rateLimiterEntry)
}

func (s *Server) cleanupRateLimiters() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownChan:
			return
		case now := <-ticker.C:
			s.evictIdleLimiters(now)
		}
	}
}

func (s *Server) evictIdleLimiters(now time.Time) int {
	removed := 0
	s.limiters.Range(func(key, value interface{}) bool {
		entry := value.(*rateLimiterEntry)
		if now.Sub(time.Unix(0, entry.lastSeen.Load())) > limiterIdleTTL {
			s.limiters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Start listens on the configured address until Shutdown is called.
func (s *Server) Start() error {
	s.appLogger.Info("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops background work and gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { close(s.shutdownChan) })
	return s.httpServer.Shutdown(ctx)
}
