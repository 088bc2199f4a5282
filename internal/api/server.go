package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fleet-compiler/internal/approval"
	"fleet-compiler/internal/audit"
	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/compiler"
	"fleet-compiler/internal/models"
)

type Compiler interface {
	Compile(ctx context.Context, req compiler.Request) (*compiler.Result, error)
	CompileEmail(ctx context.Context, req compiler.EmailRequest) (*compiler.Result, error)
}

type Approvals interface {
	Pending(sessionID string) (approval.SessionView, bool)
	Decide(ctx context.Context, sessionID string, in approval.DecisionInput) (*approval.Outcome, error)
}

type TemplateLibrary interface {
	List() []*models.Template
	ByIntent(intent string) []*models.Template
	Reload() error
}

type Deps struct {
	Compiler  Compiler
	Approvals Approvals
	Templates TemplateLibrary
	Recorder  audit.Recorder
}

type Options struct {
	RequestTimeout time.Duration
	ServiceName    string
}

// Server exposes compilation, approval and template administration over HTTP.
type Server struct {
	router  chi.Router
	deps    Deps
	errs    *apperrors.ErrorHandler
	logger  logger.Logger
	started time.Time
	service string
}

func NewServer(deps Deps, opts Options, log logger.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "fleet-compiler"
	}
	if deps.Recorder == nil {
		deps.Recorder = audit.NewMemoryRecorder()
	}
	log = logger.Component(log, "api")
	s := &Server{
		deps:    deps,
		errs:    apperrors.NewErrorHandler(log),
		logger:  log,
		started: time.Now(),
		service: opts.ServiceName,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		r.Post("/compile", s.compile)
		r.Post("/compile/email", s.compileEmail)

		r.Get("/sessions/{session}/pending", s.pending)
		r.Post("/sessions/{session}/decision", s.decide)

		r.Get("/interpretations/{id}/audit", s.history)

		r.Get("/templates", s.listTemplates)
		r.Post("/templates/reload", s.reloadTemplates)
	})

	s.router = r
	return s
}

// Handler returns the router wrapped with otel HTTP instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, s.service)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("request completed", map[string]interface{}{
			"requestId": middleware.GetReqID(r.Context()),
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    ww.Status(),
			"duration":  time.Since(start).String(),
		})
	})
}
