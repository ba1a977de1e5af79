package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/storywell/storywell-api/internal/app"
	"github.com/storywell/storywell-api/internal/common"
)

// Server wraps the HTTP server and application reference.
type Server struct {
	app       *app.App
	server    *http.Server
	logger    *common.Logger
	limiters  *ownerLimiters
	adminFeed *AdminFeed

	feedCancel context.CancelFunc
}

// NewServer creates the HTTP front for the generation job subsystem.
func NewServer(a *app.App) *Server {
	s := &Server{
		app:       a,
		logger:    a.Logger,
		limiters:  newOwnerLimiters(1, 5),
		adminFeed: NewAdminFeed(a.Store, a.Logger, 5*time.Second),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, a.Logger, a.Config)

	host := a.Config.Server.Host
	port := a.Config.Server.Port

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE and admin-feed connections are long-lived by
		// design (spec §5 "Suspension points" — an SSE stream suspends
		// until client disconnect or heartbeat timeout, not a fixed clock).
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the admin feed poller and the HTTP server (blocking).
func (s *Server) Start() error {
	feedCtx, cancel := context.WithCancel(context.Background())
	s.feedCancel = cancel
	s.adminFeed.Start(feedCtx)

	s.logger.Info().Str("addr", s.server.Addr).Msg("starting generation job subsystem HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and the admin feed poller.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.feedCancel != nil {
		s.feedCancel()
		s.adminFeed.Stop()
	}
	return s.server.Shutdown(ctx)
}
