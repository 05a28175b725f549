// Package httpapi serves the chat API over HTTP and WebSocket.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unilink/chatd/internal/chat"
	"github.com/unilink/chatd/internal/notify"
	"github.com/unilink/chatd/internal/realtime"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP API needs.
type Deps struct {
	Chat *chat.Service
	Feed *realtime.Feed
	Auth *Authenticator
	// Dispatch runs one notification pass. Nil disables the endpoint.
	Dispatch notify.Runner
	// ServiceKey guards the internal endpoints. Empty disables them.
	ServiceKey string
	Gatherer   prometheus.Gatherer
	// Ping reports store health for /healthz.
	Ping           func(context.Context) error
	RealtimeBuffer int
	Log            *zap.Logger
}

type handlers struct {
	Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	h := &handlers{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/internal/notifications/dispatch", h.dispatch)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		r.Get("/ws", h.serveWS)

		r.Route("/api", func(r chi.Router) {
			r.Get("/recent-chats", h.recentChats)
			r.Get("/conversations", h.listConversations)
			r.Post("/conversations", h.startConversation)
			r.Route("/conversations/{id}", func(r chi.Router) {
				r.Get("/messages", h.fetchMessages)
				r.Post("/messages", h.sendMessage)
				r.Post("/clear", h.clearChat)
				r.Post("/delete", h.deleteChat)
				r.Post("/read", h.markRead)
			})
		})
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) dispatch(w http.ResponseWriter, r *http.Request) {
	if h.ServiceKey == "" || h.Dispatch == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "notification dispatch is not configured")
		return
	}
	key := r.Header.Get("X-Service-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.ServiceKey)) != 1 {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "invalid service key")
		return
	}

	res, err := h.Dispatch.RunOnce(r.Context())
	if errors.Is(err, notify.ErrNoChannels) {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	if err != nil {
		h.Log.Error("dispatch run failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal", "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Server owns the HTTP listener.
type Server struct {
	srv             *http.Server
	addr            net.Addr
	shutdownTimeout time.Duration
	log             *zap.Logger
}

// ServerConfig configures the listener.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates an HTTP server for handler.
func NewServer(cfg ServerConfig, handler http.Handler, log *zap.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.addr = lis.Addr()
	s.log.Info("http server listening", zap.String("addr", s.addr.String()))
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.addr == nil {
		return s.srv.Addr
	}
	return s.addr.String()
}

// Stop shuts the server down, waiting for in-flight requests up to the
// shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
