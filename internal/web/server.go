// Package web serves the configwatch HTTP API.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ppiankov/configwatch/internal/engine"
	"github.com/ppiankov/configwatch/internal/history"
	"github.com/ppiankov/configwatch/internal/store"
)

// Evaluator runs one change event through the engine.
type Evaluator interface {
	Evaluate(ctx context.Context, ev store.ChangeEvent, snap *store.ResourceSnapshot) (*engine.Result, error)
}

// FindingReader is the read and override side of the finding store.
type FindingReader interface {
	Get(ctx context.Context, id string) (*store.Finding, error)
	List(ctx context.Context, filter history.FindingFilter) ([]store.Finding, error)
	SetStatus(ctx context.Context, id string, status store.Status) (*store.Finding, error)
	LinksFrom(ctx context.Context, findingID string) ([]store.CorrelationLink, error)
	LinksTo(ctx context.Context, findingID string) ([]store.CorrelationLink, error)
	AllLinks(ctx context.Context) ([]store.CorrelationLink, error)
	RuleErrors(ctx context.Context, limit int) ([]store.RuleError, error)
	Stats(ctx context.Context) (history.Stats, error)
	Ping(ctx context.Context) error
}

// Options configure the API router.
type Options struct {
	Evaluator Evaluator
	Findings  FindingReader
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	// Workers bounds concurrent evaluations within one events request.
	Workers int
	// MaxBodyBytes caps the events request body.
	MaxBodyBytes int64
}

const defaultMaxBody = 5 << 20

type api struct {
	eval     Evaluator
	findings FindingReader
	workers  int
	maxBody  int64
}

// NewRouter builds the HTTP API.
func NewRouter(opts Options) http.Handler {
	a := &api{
		eval:     opts.Evaluator,
		findings: opts.Findings,
		workers:  opts.Workers,
		maxBody:  opts.MaxBodyBytes,
	}
	if a.workers <= 0 {
		a.workers = 1
	}
	if a.maxBody <= 0 {
		a.maxBody = defaultMaxBody
	}

	router := chi.NewRouter()
	useMiddleware(router)

	router.Get("/healthz", a.healthz)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, opts.Metrics)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", a.postEvents)
		r.Get("/findings", a.listFindings)
		r.Get("/findings/{id}", a.getFinding)
		r.Put("/findings/{id}/status", a.setStatus)
		r.Get("/findings/{id}/links", a.findingLinks)
		r.Get("/findings/{id}/dependents", a.findingDependents)
		r.Get("/findings/{id}/dependencies", a.findingDependencies)
		r.Get("/impact", a.impactQuery)
		r.Get("/stats", a.stats)
		r.Get("/rule-errors", a.ruleErrors)
	})
	return router
}

// requestLogger logs each request at debug level with its request id.
func useMiddleware(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.findings.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok")) //nolint:errcheck // best-effort response
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}
