package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keyrelay/keyrelay/internal/api/handlers"
	appMiddleware "github.com/keyrelay/keyrelay/internal/api/middlewares"
	"github.com/keyrelay/keyrelay/internal/config"
	db "github.com/keyrelay/keyrelay/internal/core/database"
	"github.com/keyrelay/keyrelay/internal/core/relay"
	"github.com/keyrelay/keyrelay/internal/core/secrets"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewRouter builds and wires all routes. Split out from NewServer so tests
// can mount the router on an httptest server.
func NewRouter(dbclient db.DbClient, cipher *secrets.Cipher, chatRelay *relay.Relay) chi.Router {
	authHandler := handlers.NewAuthHandler(dbclient)
	keyHandler := handlers.NewAPIKeyHandler(dbclient, cipher)
	threadHandler := handlers.NewThreadHandler(dbclient)
	shareHandler := handlers.NewShareHandler(dbclient)
	chatHandler := handlers.NewChatHandler(chatRelay)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	// No request timeout middleware here: /chat holds an event stream open
	// for the length of a generation. The provider client enforces its own
	// upstream timeout.

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "timestamp": time.Now().UTC()})
	})

	// public endpoints
	r.Post("/auth/register", authHandler.Register)
	r.Post("/auth/login", authHandler.Login)
	r.Get("/shared/{link_id}", shareHandler.View)

	// protected endpoints
	r.Group(func(protected chi.Router) {
		protected.Use(appMiddleware.JWTMiddleware)

		protected.Get("/auth/me", authHandler.Me)

		protected.Post("/api-keys", keyHandler.Create)
		protected.Get("/api-keys", keyHandler.List)
		protected.Delete("/api-keys/{id}", keyHandler.Delete)

		protected.Post("/threads", threadHandler.Create)
		protected.Get("/threads", threadHandler.List)
		protected.Delete("/threads/{id}", threadHandler.Delete)
		protected.Get("/threads/{id}/messages", threadHandler.Messages)
		protected.Post("/threads/{id}/branch/{message_id}", threadHandler.Branch)
		protected.Post("/threads/{id}/share", threadHandler.Share)

		protected.Post("/chat", chatHandler.Chat)
	})

	return r
}

// NewServer wires the router into an HTTP server.
func NewServer(cfg *config.Config, dbclient db.DbClient, cipher *secrets.Cipher, chatRelay *relay.Relay) *Server {
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: NewRouter(dbclient, cipher, chatRelay),
	}
	return &Server{httpServer: httpSrv}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
