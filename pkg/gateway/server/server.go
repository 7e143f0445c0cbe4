package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/vango-go/argonauts-live/pkg/config"
	"github.com/vango-go/argonauts-live/pkg/gateway/handlers"
	"github.com/vango-go/argonauts-live/pkg/gateway/mw"
	"github.com/vango-go/argonauts-live/pkg/gateway/sessions"
	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/live"
)

const tracerName = "github.com/vango-go/argonauts-live/pkg/gateway"

type Server struct {
	cfg    config.Gateway
	logger *slog.Logger
	mux    *http.ServeMux

	dialer     live.Dialer
	vocabulary *detect.Vocabulary
	httpClient *http.Client
	sessions   *sessions.Tracker
	draining   atomic.Bool
}

type Option func(*Server)

// WithVocabulary replaces the default location and phrase vocabulary.
func WithVocabulary(v *detect.Vocabulary) Option {
	return func(s *Server) { s.vocabulary = v }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		if c != nil {
			s.httpClient = c
		}
	}
}

func New(cfg config.Gateway, dialer live.Dialer, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		dialer: dialer,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		sessions: sessions.NewTracker(cfg.MaxSessions),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:   s.cfg,
		Sessions: s.sessions,
		Draining: s.IsDraining,
	})
	s.mux.Handle("/v1/guide/live", handlers.LiveHandler{
		Config:     s.cfg,
		Dialer:     s.dialer,
		Vocabulary: s.vocabulary,
		Tracer:     otel.Tracer(tracerName),
		HTTPClient: s.httpClient,
		Logger:     s.logger,
		Draining:   s.IsDraining,
		Sessions:   s.sessions,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// SetDraining makes /readyz fail and refuses new guide sessions.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

func (s *Server) IsDraining() bool { return s.draining.Load() }

// Sessions is the tracker of open guide connections.
func (s *Server) Sessions() *sessions.Tracker { return s.sessions }

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
