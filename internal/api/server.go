package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/logging"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
	"github.com/JakeFAU/scrape-gateway/internal/progress"
	"github.com/JakeFAU/scrape-gateway/internal/scraper"
)

// Authenticator resolves request credentials for a mode.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials string, mode crawler.Mode) (crawler.Identity, error)
}

// CreditGate checks and bills tenant credits.
type CreditGate interface {
	Check(ctx context.Context, tenantID string, minimum int64) (crawler.CreditDecision, error)
	Bill(ctx context.Context, tenantID string, amount int64) (int64, error)
}

// IdempotencyGuard admits each idempotency key once.
type IdempotencyGuard interface {
	Admit(ctx context.Context, key string) (bool, error)
}

// URLPolicy decides whether a target URL may be scraped.
type URLPolicy interface {
	IsBlocked(rawURL string) bool
}

// PageScraper fetches and renders pages.
type PageScraper interface {
	Scrape(ctx context.Context, jobID, rawURL string, opts crawler.ScrapeOptions) (scraper.Page, error)
	Links(ctx context.Context, rawURL string) ([]string, error)
}

// JobQueue accepts crawl jobs for the worker pool.
type JobQueue interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// Readiness reports whether background processing is running.
type Readiness interface {
	Running() bool
}

// ProgressBroker fans crawl progress out to stream subscribers.
type ProgressBroker interface {
	Subscribe(jobID string) *progress.Subscription
	Emit(evt progress.Event)
}

// Deps are the collaborators behind the route table.
type Deps struct {
	Auth        Authenticator
	Credits     CreditGate
	Idempotency IdempotencyGuard
	Blocklist   URLPolicy
	Scraper     PageScraper
	Jobs        crawler.JobStore
	Queue       JobQueue
	Ready       Readiness
	Broker      ProgressBroker
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
}

// Options tunes the HTTP surface.
type Options struct {
	BaseURL         string
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
	MaxPagesDefault int
}

// Server wires HTTP handlers to the admission pipeline and job services.
type Server struct {
	router   chi.Router
	deps     Deps
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// API keys, not cookies, authorize streams.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		pipeline.Mount(r, s.routes(), pipeline.Options{
			Logger:       logger,
			Reporter:     s.faultReporter(),
			MaxBodyBytes: opts.MaxBodyBytes,
			OnReject: func(stage string, rej *pipeline.Rejection) {
				metrics.ObserveRejection(stage, string(rej.Kind))
			},
		})
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) faultReporter() pipeline.FaultReporter {
	return pipeline.FaultReporterFunc(func(x *pipeline.Exchange, err error) {
		x.Logger.Error("request fault", zap.String("route", x.Route), zap.Error(err))
		metrics.ObserveFault(x.Route)
		x.RespondError(http.StatusInternalServerError, pipeline.FaultMessage)
	})
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := logger.With(zap.String("request_id", RequestID(r.Context())))
			ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), reqLogger)))
			reqLogger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.FromContext(r.Context(), logger).Error("panic recovered", zap.Any("error", rec))
					metrics.ObserveFault("middleware")
					writeError(w, http.StatusInternalServerError, pipeline.FaultMessage)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware bounds plain requests. Websocket upgrades bypass it since
// http.TimeoutHandler's writer cannot be hijacked.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	body, _ := json.Marshal(pipeline.ErrorBody{Success: false, Error: "Request timed out"})
	return func(next http.Handler) http.Handler {
		timed := http.TimeoutHandler(next, d, string(body))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			timed.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	rw.status = http.StatusSwitchingProtocols
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	return conn, buf, nil
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, pipeline.ErrorBody{Success: false, Error: msg})
}
