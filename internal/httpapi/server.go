package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/andromeda/internal/apierror"
	"github.com/antoniostano/andromeda/internal/config"
	"github.com/antoniostano/andromeda/internal/forward"
	"github.com/antoniostano/andromeda/internal/observability"
	"github.com/antoniostano/andromeda/internal/session"
)

// SessionHeader carries the session id on every proxied request.
const SessionHeader = "x-andromeda-session-id"

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	engine   *forward.Engine
	metrics  *observability.Metrics
	logger   zerolog.Logger
	auth     Authenticator
	upgrader websocket.Upgrader

	wsPingPeriod time.Duration
}

type Option func(*Server)

// WithAuthenticator enables the login route.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) {
		s.auth = auth
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func withWSPingPeriod(d time.Duration) Option {
	return func(s *Server) {
		s.wsPingPeriod = d
	}
}

func New(cfg config.Config, sessions *session.Registry, engine *forward.Engine, metrics *observability.Metrics, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		metrics:  metrics,
		logger:   zerolog.Nop(),

		wsPingPeriod: wsPingPeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Only same-origin browsers may attach to a session.
			if cfg.AllowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser clients often omit Origin.
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.NotFound(bareNotFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierror.Write(w, apierror.New(http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed), "method not allowed"))
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/session", s.handleCreateSession)
	r.Get("/v1/session/ws", s.handleSessionWS)
	if s.cfg.SessionInternalToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.requireInternalToken)
			r.Get("/v1/session/{id}", s.handleGetSession)
			r.Post("/v1/session/{id}/state", s.handleSetSessionState)
		})
	}

	r.Handle("/proxy/{protocol}/{hostname}", http.HandlerFunc(s.handleProxy))
	r.Handle("/proxy/{protocol}/{hostname}/*", http.HandlerFunc(s.handleProxy))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	total, active := s.sessions.Count()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"sessions":        total,
		"active_sessions": active,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		apierror.Write(w, apierror.New(http.StatusServiceUnavailable, "Service Unavailable", "forwarding engine not configured"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// accessLog logs one line per request once the response is written.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := s.logger.Info()
			if status >= http.StatusInternalServerError {
				evt = s.logger.Warn()
			}
			evt.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func bareNotFound(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) publishSessionCounts() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetSessionCounts(s.sessions.Count())
}

func (s *Server) sessionEvent(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
	s.publishSessionCounts()
}
