// Package server is the HTTP surface: streaming, device and access
// management for listeners, and synthesis endpoints for administrators.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/access"
	"github.com/dgnsrekt/audiovault/internal/gateway"
	"github.com/dgnsrekt/audiovault/internal/ledger"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

// MaxBulkItems caps a bulk preview request.
const MaxBulkItems = 10

// Config configures the HTTP server.
type Config struct {
	Addr         string        `mapstructure:"addr" env:"ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"10m"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" env:"IDLE_TIMEOUT" envDefault:"60s"`

	// PublicURL prefixes stream links; empty yields relative links.
	PublicURL string `mapstructure:"public_url" env:"PUBLIC_URL"`

	RequestsPerSecond float64 `mapstructure:"requests_per_second" env:"REQUESTS_PER_SECOND" envDefault:"20"`
	Burst             int     `mapstructure:"burst" env:"BURST" envDefault:"40"`

	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `mapstructure:"trust_proxy" env:"TRUST_PROXY"`

	TokenTTL        time.Duration `mapstructure:"token_ttl" env:"TOKEN_TTL" envDefault:"5m"`
	PreviewSeconds  int           `mapstructure:"preview_seconds" env:"PREVIEW_SECONDS" envDefault:"30"`
	PreviewDir      string        `mapstructure:"preview_dir" env:"PREVIEW_DIR"`
	BulkConcurrency int           `mapstructure:"bulk_concurrency" env:"BULK_CONCURRENCY" envDefault:"4"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" env:"MAX_BODY_BYTES" envDefault:"1048576"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 40
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 5 * time.Minute
	}
	if c.PreviewSeconds <= 0 {
		c.PreviewSeconds = 30
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = 4
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

// Synthesizer is the part of the synthesis cache the server drives.
type Synthesizer interface {
	GetOrSynthesize(ctx context.Context, req ttypes.SynthesisRequest) (ttypes.CachedAsset, error)
	Preview(ctx context.Context, asset ttypes.CachedAsset, seconds float64, dir string) (string, error)
}

// Deps are the components behind the routes.
type Deps struct {
	Synth    Synthesizer
	Tokens   *access.Service
	Sessions *access.SessionManager
	Ledger   ledger.Ledger
	Gateway  *gateway.Gateway
	Assets   gateway.Store
}

// Server serves the HTTP API.
type Server struct {
	cfg     Config
	deps    Deps
	limiter *ipLimiter
	logger  *log.Logger
	handler http.Handler
}

func New(cfg Config, deps Deps, logger *log.Logger) (*Server, error) {
	if deps.Tokens == nil || deps.Sessions == nil || deps.Ledger == nil || deps.Gateway == nil {
		return nil, errors.New("server needs tokens, sessions, ledger and gateway")
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: newIPLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:  logger,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// SetRateLimit changes the per-client limit on the fly.
func (s *Server) SetRateLimit(rps float64, burst int) {
	s.limiter.SetLimit(rps, burst)
	s.logger.Info("rate limit updated", "rps", rps, "burst", burst)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		s.logger.Warn("forced shutdown", "err", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
