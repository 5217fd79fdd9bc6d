// Package httpserver is the auth and user-directory API. Clients sign
// up and in here and take their tokens to the shared store; everything
// realtime happens outside this server.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/pkg/jwt"
	"github.com/rx3lixir/boltalka/pkg/s3storage"
)

type Server struct {
	users      db.UserStore
	jwt        *jwt.Service
	blobs      *s3storage.MinIOClient
	log        *log.Logger
	httpServer *http.Server
}

func New(addr string, users db.UserStore, jwtService *jwt.Service, blobs *s3storage.MinIOClient, log *log.Logger) *Server {
	s := &Server{
		users: users,
		jwt:   jwtService,
		blobs: blobs,
		log:   log,
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.log.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
