// Session Relay - multi-client relay for PTY-hosted coding assistant sessions
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/workspace/session-relay/internal/activity"
	"github.com/workspace/session-relay/internal/audit"
	"github.com/workspace/session-relay/internal/auth"
	"github.com/workspace/session-relay/internal/config"
	"github.com/workspace/session-relay/internal/gateway"
	"github.com/workspace/session-relay/internal/logging"
	"github.com/workspace/session-relay/internal/metadata"
	"github.com/workspace/session-relay/internal/persistence"
	"github.com/workspace/session-relay/internal/pty"
	"github.com/workspace/session-relay/internal/server"
	"github.com/workspace/session-relay/internal/session"
	"github.com/workspace/session-relay/internal/tmux"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "session-relay",
		Short:         "Share terminal coding sessions between many clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err := run(cmd.Context(), cfg); err != nil {
				slog.Error("Session relay failed", "error", err)
				return err
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	slog.Info("Starting session relay", "configFile", cfg.ConfigFile, "backend", cfg.Backend, "port", cfg.Port)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	rec := audit.New(audit.Config{QueueSize: cfg.AuditQueueSize}, audit.LogSink{}, store)
	rec.Start()

	tracker := activity.NewTracker(store, cfg.ActivityFlushInterval, clock.New())
	tracker.Start()

	backend, err := newBackend(cfg)
	if err != nil {
		tracker.Stop()
		rec.Shutdown(ctx)
		_ = store.Close()
		return err
	}

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		tracker.Stop()
		rec.Shutdown(ctx)
		_ = store.Close()
		return err
	}

	mgr := session.NewManager(session.Config{
		Backend:            backend,
		Registry:           store,
		Pipeline:           metadata.NewPipeline(metadataConfig(cfg)),
		Audit:              rec,
		Activity:           tracker,
		DefaultCols:        cfg.DefaultCols,
		DefaultRows:        cfg.DefaultRows,
		SpawnTimeout:       cfg.SpawnTimeout,
		KillGracePeriod:    cfg.KillGracePeriod,
		PreserveOnShutdown: cfg.Preserve(),
	})

	report, err := mgr.RecoverSessions(ctx)
	if err != nil {
		slog.Warn("Session recovery incomplete", "error", err)
	}
	slog.Info("Session recovery finished",
		"rebound", len(report.Rebound),
		"terminated", len(report.Terminated),
		"adopted", len(report.Adopted))

	gw := gateway.New(mgr, gatewayConfig(cfg))

	srv := server.New(cfg, server.Deps{
		Manager:  mgr,
		Gateway:  gw,
		Auth:     authn,
		Activity: tracker,
		Audit:    rec,
		Store:    store,
	})

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil {
			slog.Error("Server error", "error", serveErr)
		}
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := srv.Stop(stopCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	slog.Info("Session relay stopped")
	return serveErr
}

// newBackend builds the process backend named by cfg.Backend.
func newBackend(cfg *config.Config) (pty.Backend, error) {
	switch cfg.Backend {
	case config.BackendTmux:
		b, err := tmux.New(tmux.Config{
			Socket:          cfg.TmuxSocket,
			Prefix:          cfg.TmuxPrefix,
			Command:         cfg.Argv(),
			ScrollbackBytes: cfg.ScrollbackBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("tmux backend: %w", err)
		}
		return b, nil
	case config.BackendDirect:
		return &pty.DirectBackend{
			Command:         cfg.Argv(),
			ScrollbackBytes: cfg.ScrollbackBytes,
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	if cfg.AuthDisabled {
		slog.Warn("Authentication disabled; every caller is trusted")
		return auth.AllowAll{}, nil
	}
	a, err := auth.NewJWTAuthenticator(ctx, cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		return nil, fmt.Errorf("jwt authenticator: %w", err)
	}
	return a, nil
}

func metadataConfig(cfg *config.Config) metadata.Config {
	mc := metadata.DefaultConfig()
	if cfg.MetadataStatusFile != "" {
		mc.StatusFile = cfg.MetadataStatusFile
	}
	if cfg.MetadataLogFile != "" {
		mc.LogFile = cfg.MetadataLogFile
	}
	if cfg.MetadataPollInterval > 0 {
		mc.PollInterval = cfg.MetadataPollInterval
	}
	if cfg.MetadataUnavailableInterval > 0 {
		mc.UnavailableInterval = cfg.MetadataUnavailableInterval
	}
	if cfg.MetadataDebounce > 0 {
		mc.Debounce = cfg.MetadataDebounce
	}
	if cfg.MetadataLogTailLines > 0 {
		mc.TailLines = cfg.MetadataLogTailLines
	}
	return mc
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		SendBuffer:      cfg.RelaySendBuffer,
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
		PingInterval:    cfg.WSPingInterval,
		PongTimeout:     cfg.WSPongTimeout,
		WriteTimeout:    cfg.WSWriteTimeout,
		AllowedOrigins:  cfg.AllowedOrigins,
	}
}
