// Package server runs the admin HTTP listener with optional TLS and HTTP/2.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mir00r/capability-router/pkg/logger"
)

// TLSConfig defines TLS settings for the admin listener
type TLSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	CertFile   string   `yaml:"cert_file"`
	KeyFile    string   `yaml:"key_file"`
	MinVersion string   `yaml:"min_version"` // "1.2" or "1.3"
	Ciphers    []string `yaml:"ciphers"`
}

// Config describes one listener
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// HTTP2 enables h2 over TLS, or h2c on a plaintext listener
	HTTP2 bool
	TLS   TLSConfig
}

// Validate checks the TLS settings
func (c Config) Validate() error {
	if !c.TLS.Enabled {
		return nil
	}
	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return fmt.Errorf("tls requires cert_file and key_file")
	}
	if _, err := tlsVersion(c.TLS.MinVersion); err != nil {
		return err
	}
	_, err := cipherSuites(c.TLS.Ciphers)
	return err
}

// AdminServer wraps the http.Server serving the admin API
type AdminServer struct {
	config Config
	logger *logger.Logger
	server *http.Server
}

// NewAdminServer builds the listener for handler
func NewAdminServer(config Config, handler http.Handler, log *logger.Logger) (*AdminServer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	if config.TLS.Enabled {
		minVersion, _ := tlsVersion(config.TLS.MinVersion)
		ciphers, _ := cipherSuites(config.TLS.Ciphers)
		srv.TLSConfig = &tls.Config{MinVersion: minVersion, CipherSuites: ciphers}
		if config.HTTP2 {
			if err := http2.ConfigureServer(srv, &http2.Server{IdleTimeout: config.IdleTimeout}); err != nil {
				return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
			}
		} else {
			// a non-nil empty TLSNextProto map disables automatic h2
			srv.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
		}
	} else if config.HTTP2 {
		srv.Handler = h2c.NewHandler(handler, &http2.Server{IdleTimeout: config.IdleTimeout})
	}

	return &AdminServer{
		config: config,
		logger: log.WithField("component", "admin_server"),
		server: srv,
	}, nil
}

// Start listens on the configured address and blocks until Shutdown
func (s *AdminServer) Start() error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis. It returns nil after Shutdown.
func (s *AdminServer) Serve(lis net.Listener) error {
	s.logger.WithFields(map[string]interface{}{
		"addr":  lis.Addr().String(),
		"tls":   s.config.TLS.Enabled,
		"http2": s.config.HTTP2,
	}).Info("Starting admin HTTP server")

	var err error
	if s.config.TLS.Enabled {
		err = s.server.ServeTLS(lis, s.config.TLS.CertFile, s.config.TLS.KeyFile)
	} else {
		err = s.server.Serve(lis)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *AdminServer) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown admin HTTP server")
		return err
	}
	return nil
}

func tlsVersion(version string) (uint16, error) {
	switch version {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q", version)
	}
}

var cipherNames = map[string]uint16{
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":         tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":         tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256":       tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384":       tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

func cipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := cipherNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}
