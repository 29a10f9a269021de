package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/listener"
	"github.com/stephnangue/wearlink/logger"
)

var _ listener.Listener = (*ApiListener)(nil)

const shutdownTimeout = 30 * time.Second

type ApiListener struct {
	logger  logger.Logger
	server  *http.Server
	tls     bool
	cert    string
	key     string
	stopped atomic.Bool

	mu   sync.Mutex
	addr string
}

type ApiListenerConfig struct {
	Logger            logger.Logger
	Address           string
	TLSCertFile       string
	TLSKeyFile        string
	TLSEnabled        bool
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxRequestBytes   int64
}

// ConfigFromBlock fills an ApiListenerConfig from a listener block,
// applying defaults to unset timeouts.
func ConfigFromBlock(b *config.ListenerBlock, log logger.Logger) (ApiListenerConfig, error) {
	cfg := ApiListenerConfig{
		Logger:          log,
		Address:         b.Address,
		TLSCertFile:     b.TLSCertFile,
		TLSKeyFile:      b.TLSKeyFile,
		TLSEnabled:      b.TLSEnabled,
		MaxRequestBytes: b.MaxRequestBytes,
	}
	durations := []struct {
		name  string
		raw   string
		def   time.Duration
		field *time.Duration
	}{
		{"read_timeout", b.ReadTimeout, 30 * time.Second, &cfg.ReadTimeout},
		{"read_header_timeout", b.ReadHeaderTimeout, 10 * time.Second, &cfg.ReadHeaderTimeout},
		{"write_timeout", b.WriteTimeout, 60 * time.Second, &cfg.WriteTimeout},
		{"idle_timeout", b.IdleTimeout, time.Minute, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		v, err := config.ParseDuration(d.raw, d.def)
		if err != nil {
			return cfg, fmt.Errorf("listener %q: %s: %w", b.Name, d.name, err)
		}
		*d.field = v
	}
	if cfg.TLSEnabled && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return cfg, fmt.Errorf("listener %q: tls_cert_file and tls_key_file are required when tls is enabled", b.Name)
	}
	return cfg, nil
}

func NewApiListener(cfg ApiListenerConfig, httpHandler http.Handler) (*ApiListener, error) {
	if cfg.Address == "" {
		return nil, errors.New("listener address is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	handler := httpHandler
	if cfg.MaxRequestBytes > 0 {
		handler = http.MaxBytesHandler(handler, cfg.MaxRequestBytes)
	}

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		IdleTimeout:       cfg.IdleTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          logger.NewHCLogAdapter(log).StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Warn}),
	}
	if cfg.TLSEnabled {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &ApiListener{
		logger: log.WithSubsystem("listener"),
		server: server,
		tls:    cfg.TLSEnabled,
		cert:   cfg.TLSCertFile,
		key:    cfg.TLSKeyFile,
		addr:   cfg.Address,
	}, nil
}

// Addr is the bound address once Start has opened the socket, the
// configured one before that.
func (l *ApiListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

func (l *ApiListener) Type() string {
	return "api"
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (l *ApiListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.server.Addr, err)
	}
	l.mu.Lock()
	l.addr = ln.Addr().String()
	l.mu.Unlock()

	l.logger.Info("starting HTTP server",
		logger.String("address", ln.Addr().String()),
		logger.Bool("tls", l.tls))

	errChan := make(chan error, 1)
	go func() {
		var err error
		if l.tls {
			err = l.server.ServeTLS(ln, l.cert, l.key)
		} else {
			err = l.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown signal received")
		return l.Stop()
	case err := <-errChan:
		l.logger.Error("HTTP server error", logger.Err(err))
		return err
	}
}

func (l *ApiListener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		l.logger.Debug("HTTP server already stopped, skipping")
		return nil
	}

	l.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Error("error when shutting down the http server", logger.Err(err))
		return err
	}

	l.logger.Info("HTTP server stopped gracefully")
	return nil
}
