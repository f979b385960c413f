// Package api implements the annotation service: annotation records,
// mini-threads with token streaming, the websocket event feed, health and
// metrics endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/margin/pkg/logging"
	"github.com/odvcencio/margin/pkg/storage"
)

const (
	defaultStreamHeartbeat = 15 * time.Second

	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 5 * time.Second
)

// ServerConfig holds the tunable parts of the annotation service.
type ServerConfig struct {
	// Bind is the listen address, host:port.
	Bind string
	// StreamHeartbeat is the SSE comment interval that keeps idle token
	// streams alive through proxies. Zero means the default.
	StreamHeartbeat time.Duration
}

// Server is the annotation service HTTP server.
type Server struct {
	cfg       ServerConfig
	store     *storage.Store
	responder Responder
	logger    *logging.Logger
	hub       *Hub

	httpServer *http.Server
}

// NewServer wires the service together. Storage events flow to the websocket
// hub so connected clients see every mutation, whoever caused it.
func NewServer(cfg ServerConfig, store *storage.Store, responder Responder, logger *logging.Logger) *Server {
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = defaultStreamHeartbeat
	}
	s := &Server{
		cfg:       cfg,
		store:     store,
		responder: responder,
		logger:    logger,
		hub:       NewHub(),
	}
	store.AddObserver(storage.ObserverFunc(s.onStorageEvent))
	return s
}

// Handler builds the service router.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.loggingMiddleware)

	router.Get("/messages/{sessionID}/{messageID}", s.handleGetAnnotations)
	router.Put("/messages/{sessionID}/{messageID}", s.handlePutAnnotations)

	router.Post("/mini-threads:ensure", s.handleEnsureThread)
	router.Get("/mini-threads:byMessage", s.handleThreadByMessage)
	router.Post("/mini-threads/{threadID}/snippets", s.handleAddSnippet)
	router.Post("/mini-threads/{threadID}/messages", s.handleSendMessage)
	router.Get("/mini-threads/{threadID}/messages/stream", s.handleStreamMessage)
	router.Put("/mini-threads/{threadID}/ui-meta", s.handlePutThreadMeta)
	router.Delete("/mini-threads/{threadID}", s.handleDeleteThread)

	router.Get("/ws", s.handleWS)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)

	return router
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logInfo("server_start", "serving on "+s.cfg.Bind, nil)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.hub.CloseAll()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// onStorageEvent fans every storage mutation out to websocket clients.
func (s *Server) onStorageEvent(event storage.Event) {
	s.hub.Broadcast(Event{
		Type:      string(event.Type),
		SessionID: event.SessionID,
		EntityID:  event.EntityID,
		Payload:   event.Data,
		Timestamp: event.Timestamp,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logDebug("http_request", r.Method+" "+r.URL.Path, map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func (s *Server) logDebug(eventType, message string, details map[string]any) {
	if s.logger != nil {
		s.logger.Debug(logging.CategoryServer, eventType, message, details)
	}
}

func (s *Server) logInfo(eventType, message string, details map[string]any) {
	if s.logger != nil {
		s.logger.Info(logging.CategoryServer, eventType, message, details)
	}
}

func (s *Server) logWarn(eventType, message string, details map[string]any) {
	if s.logger != nil {
		s.logger.Warn(logging.CategoryServer, eventType, message, details)
	}
}
