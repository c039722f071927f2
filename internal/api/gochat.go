package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatdelivery/internal/config"
	"github.com/npezzotti/go-chatdelivery/internal/database"
	"github.com/npezzotti/go-chatdelivery/internal/server"
	"github.com/npezzotti/go-chatdelivery/internal/stats"
)

type GoChatApp struct {
	log            *slog.Logger
	db             database.GoChatRepository
	mux            *http.Server
	cs             *server.ChatServer
	stats          stats.StatsProvider
	signingKey     []byte
	allowedOrigins []string
	historyLimit   int
}

// NewGoChatApp mounts the API routes on mux, which may already carry the
// stats handlers, and wraps it with CORS and panic recovery.
func NewGoChatApp(mux *http.ServeMux, logger *slog.Logger, cs *server.ChatServer, db database.GoChatRepository, su stats.StatsProvider, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger.With("component", "api"),
		db:             db,
		cs:             cs,
		stats:          su,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.Server.AllowedOrigins,
		historyLimit:   cfg.Delivery.HistoryLimit,
	}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("POST /api/chats", s.authMiddleware(s.createChat))
	mux.Handle("POST /api/chats/{chatId}/messages", s.authMiddleware(s.createMessage))
	mux.Handle("GET /api/chats/{chatId}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/chats/{chatId}/unread", s.authMiddleware(s.getUnread))
	mux.Handle("GET /api/users/{userId}/status", s.authMiddleware(s.getUserStatus))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.recoverer(h)

	s.mux = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h,
	}

	return s
}

func (s *GoChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *GoChatApp) Start() error {
	s.log.Info("starting server", "addr", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
