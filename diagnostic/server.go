package diagnostic

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 15 * time.Second
)

// Server hosts the status endpoints on a caller-provided listener.
type Server struct {
	log    *zerolog.Logger
	server *http.Server
}

func NewServer(handler *Handler, log *zerolog.Logger) *Server {
	return &Server{
		log: log,
		server: &http.Server{
			Handler:      handler.Routes(),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
	}
}

// Serve blocks until Shutdown is called or the listener fails.
func (s *Server) Serve(listener net.Listener) error {
	s.log.Info().Str("addr", listener.Addr().String()).Msg("Starting status server")
	err := s.server.Serve(listener)
	if err == http.ErrServerClosed {
		s.log.Info().Msg("Status server stopped")
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
