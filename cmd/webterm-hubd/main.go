// webterm-hubd is a browser-accessible terminal server: it exposes PTY
// sessions over authenticated, framed WebSocket connections, validating
// bearer tokens against JWKS-backed identity providers and enforcing
// per-IP/per-user rate limits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trybotster/webterm-hubd/internal/authz"
	"github.com/trybotster/webterm-hubd/internal/config"
	"github.com/trybotster/webterm-hubd/internal/httpapi"
	"github.com/trybotster/webterm-hubd/internal/jwks"
	"github.com/trybotster/webterm-hubd/internal/jwtauth"
	"github.com/trybotster/webterm-hubd/internal/ptyproc"
	"github.com/trybotster/webterm-hubd/internal/ratelimit"
	"github.com/trybotster/webterm-hubd/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("WEBTERM_HUBD_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:     "webterm-hubd",
		Short:   "Browser-accessible terminal server",
		Version: Version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the terminal server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	path, err := config.Path()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	fmt.Printf("config file: %s\n", path)
	fmt.Printf("listen addr: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("workspace root: %s\n", cfg.Session.WorkspaceRoot)
	fmt.Printf("auth providers: %d\n", len(cfg.Auth.Providers))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Info("configuration loaded", "listen_addr", cfg.Server.ListenAddr, "workspace_root", cfg.Session.WorkspaceRoot)

	if err := os.MkdirAll(cfg.Session.WorkspaceRoot, 0700); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}

	providers := make([]jwks.Provider, 0, len(cfg.Auth.Providers))
	for _, p := range cfg.Auth.Providers {
		providers = append(providers, jwks.Provider{
			Name:            p.Name,
			JWKSURL:         p.JWKSURL,
			Issuer:          p.Issuer,
			Audience:        p.Audience,
			Algorithms:      p.Algorithms,
			CacheTTL:        p.CacheTTL,
			RefreshInterval: p.RefreshInterval,
			Timeout:         10 * time.Second,
		})
	}
	jwksCache := jwks.NewCache(providers, &http.Client{Timeout: 10 * time.Second}, logger)
	validator := jwtauth.New(jwksCache, nil, time.Duration(cfg.Auth.ClockSkewSeconds)*time.Second)

	authzSvc := authz.WithDefaults()

	limiter := ratelimit.New(ratelimit.Config{
		IPRequestsPerMinute:  cfg.RateLimit.IPRequestsPerMinute,
		UserRequestsPerHour:  cfg.RateLimit.UserRequestsPerHour,
		LockoutThreshold:     cfg.RateLimit.LockoutThreshold,
		LockoutDuration:      time.Duration(cfg.RateLimit.LockoutDurationMinutes) * time.Minute,
		ViolationResetWindow: cfg.RateLimit.ViolationResetWindow,
	})

	ptyMgr := ptyproc.NewManager(logger)

	// sessions is assigned below; killAll closes over the pointer so it can
	// look up a session's attached process ids without internal/session
	// importing internal/ptyproc directly.
	var sessions *session.Manager
	killAll := func(id session.ID) error {
		procIDs, err := sessions.Processes(id)
		if err != nil {
			return err
		}
		for _, pid := range procIDs {
			if err := ptyMgr.Kill(pid); err != nil {
				logger.Warn("failed to kill pty process during session teardown", "pty_id", pid, "error", err)
			}
		}
		return nil
	}
	sessions = session.NewManager(session.Config{
		WorkspaceRoot:      cfg.Session.WorkspaceRoot,
		MaxSessionsPerUser: cfg.Session.MaxSessionsPerUser,
		IdleTimeout:        cfg.Session.IdleTimeout,
	}, killAll, logger)

	server := httpapi.New(cfg, sessions, ptyMgr, validator, authzSvc, limiter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	stop := make(chan struct{})
	defer close(stop)
	cleanupInterval := cfg.Session.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}
	go sessions.RunExpiryLoop(cleanupInterval, stop)
	go jwksCache.RunRefreshLoop(ctx)

	logger.Info("starting webterm-hubd", "version", Version)
	if err := server.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shut down cleanly")
	return nil
}
