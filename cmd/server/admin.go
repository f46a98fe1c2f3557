package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"tailscale.com/tsnet"

	"github.com/matt-riley/regionflagz/internal/admin"
	"github.com/matt-riley/regionflagz/internal/config"
	"github.com/matt-riley/regionflagz/internal/middleware"
)

// adminPortal is the operator console served on the tailnet.
type adminPortal struct {
	ts       *tsnet.Server
	listener net.Listener
	server   *http.Server
	limiter  *middleware.RateLimiter
	log      *slog.Logger
	stop     sync.Once
}

// newAdminPortal joins the tailnet as cfg.AdminHostname and listens on :80
// there. It returns nil when the portal is not configured.
func newAdminPortal(ctx context.Context, cfg config.Config, backend admin.Backend, stats admin.StatsSource, log *slog.Logger) (*adminPortal, error) {
	if cfg.AdminHostname == "" {
		return nil, nil
	}
	if cfg.TSAuthKey == "" {
		return nil, errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
	}
	if err := admin.ValidatePasswordHash(cfg.AdminPasswordHash); err != nil {
		return nil, fmt.Errorf("ADMIN_PASSWORD_HASH: %w", err)
	}

	dir := cfg.TSStateDir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	ts := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      dir,
		Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
	}
	lis, err := ts.Listen("tcp", ":80")
	if err != nil {
		_ = ts.Close()
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	sessions := admin.NewSessionManager(ctx, cfg.SessionSecret)
	handler := admin.NewHandler(backend, stats, sessions,
		admin.Credentials{Username: cfg.AdminUsername, PasswordHash: cfg.AdminPasswordHash},
		limiter, log)

	return &adminPortal{
		ts:       ts,
		listener: lis,
		server: &http.Server{
			Handler:           middleware.HTTPRequestLogging(log)(handler),
			ReadHeaderTimeout: httpReadHeaderTimeout,
			ReadTimeout:       httpReadTimeout,
			IdleTimeout:       httpIdleTimeout,
		},
		limiter: limiter,
		log:     log,
	}, nil
}

func (p *adminPortal) serve() error {
	p.log.Info("admin portal listening", "hostname", p.ts.Hostname, "transport", "tailscale")
	if err := p.server.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve admin portal: %w", err)
	}
	return nil
}

func (p *adminPortal) shutdown() {
	p.stop.Do(p.close)
}

func (p *adminPortal) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Error("admin server shutdown error", "error", err)
	}
	p.limiter.Stop()
	if err := p.ts.Close(); err != nil {
		p.log.Error("tailscale shutdown error", "error", err)
	}
}
