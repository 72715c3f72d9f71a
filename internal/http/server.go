package httpapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Server TLS + HTTP/2 服务
// No write timeout: export responses stream for as long as the peer reads.
type Server struct {
	httpServer *http.Server
	certFile   string
	keyFile    string
	logger     *zap.Logger
}

func NewServer(addr string, handler http.Handler, certFile, keyFile string, logger *zap.Logger) (*Server, error) {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureServer(s, &http2.Server{
		MaxConcurrentStreams: 250,
		IdleTimeout:          2 * time.Minute,
	}); err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
	}
	return &Server{httpServer: s, certFile: certFile, keyFile: keyFile, logger: logger}, nil
}

func (s *Server) Start() error {
	s.logger.Info("Starting device export HTTP/2 server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
}

// Serve accepts TLS connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting device export HTTP/2 server", zap.String("addr", l.Addr().String()))
	return s.httpServer.ServeTLS(l, s.certFile, s.keyFile)
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping device export HTTP/2 server")
	return s.httpServer.Shutdown(ctx)
}
