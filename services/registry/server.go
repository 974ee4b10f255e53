// Package registry is the task registry server: it stores published task
// bundles on disk, serves them through the conditional download protocol,
// and keeps a metadata registry in step with the bundle directory.
package registry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"deploycli/pkg/signing"
)

// Publisher delivers registry events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Mirror copies uploaded archives to object storage. *s3.Client satisfies it.
type Mirror interface {
	Key(name string) string
	PutFile(ctx context.Context, key, path string, metadata map[string]string) error
	DeleteObject(ctx context.Context, key string) error
}

// Options wires a Server. Bundles, Registry and Password are required.
type Options struct {
	Password     string
	Bundles      *Bundles
	Registry     Registry
	Signer       *signing.Signer
	Events       Publisher
	Mirror       Mirror
	RateLimitRPS int
	Middleware   []func(http.Handler) http.Handler
	Logger       zerolog.Logger
}

// Server serves the registry HTTP API.
type Server struct {
	password   string
	bundles    *Bundles
	registry   Registry
	signer     *signing.Signer
	events     Publisher
	mirror     Mirror
	rateLimit  int
	middleware []func(http.Handler) http.Handler
	log        zerolog.Logger
	metrics    *metrics

	// writeMu serialises uploads, deletes and reconciles. Downloads hold
	// the read lock while packing.
	writeMu sync.RWMutex
}

// New validates opts and returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Password == "" {
		return nil, errors.New("password is required")
	}
	if opts.Bundles == nil {
		return nil, errors.New("bundles are required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}

	return &Server{
		password:   opts.Password,
		bundles:    opts.Bundles,
		registry:   opts.Registry,
		signer:     opts.Signer,
		events:     opts.Events,
		mirror:     opts.Mirror,
		rateLimit:  opts.RateLimitRPS,
		middleware: opts.Middleware,
		log:        opts.Logger,
		metrics:    newMetrics(),
	}, nil
}

// Routes constructs the chi router containing all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range s.middleware {
		r.Use(mw)
	}
	if s.rateLimit > 0 {
		r.Use(httprate.LimitByIP(s.rateLimit, time.Second))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireSecret(s.password))

		r.Get("/tasks", s.handleList)
		r.Post("/tasks/download", s.handleDownload)
		r.Post("/tasks/upload", s.handleUpload)
		r.Post("/tasks/delete", s.handleDelete)
		r.Get("/tasks/update", s.handleUpdate)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	})

	return r
}

func (s *Server) publish(ctx context.Context, subject string, payload any) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, subject, payload); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}
