package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mensageria/internal/attachments"
	"mensageria/internal/auth"
	"mensageria/internal/config"
	"mensageria/internal/database"
	"mensageria/internal/hub"
	"mensageria/internal/keys"
	"mensageria/internal/logging"
	"mensageria/internal/profile"
	"mensageria/internal/queue"
	"mensageria/internal/registry"
	"mensageria/internal/router"
	"mensageria/internal/store"
)

const sessionPruneInterval = time.Hour

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg config.Config
	cfg.LoadDefaults()
	envErr := cfg.LoadEnv(os.LookupEnv)

	cmd := &cobra.Command{
		Use:           "mensageria",
		Short:         "End-to-end encrypted messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "mensageria:", err)
				return err
			}
			return nil
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

type server struct {
	close    func() error
	auth     *auth.Manager
	router   *router.Router
	hub      *hub.Hub
	registry *registry.Registry
	handler  http.Handler
}

// build wires every component on top of cfg. ctx bounds the lifetime of the
// WebSocket sessions.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server, error) {
	db, err := database.Open(cfg.DSN)
	if err != nil {
		return nil, err
	}
	closeDB := func() error { return database.Close(db) }

	authManager, err := auth.NewManager(db, auth.Config{
		Secret:   cfg.TokenSecret,
		KeyFile:  cfg.TokenKeyFile,
		Issuer:   cfg.TokenIssuer,
		TTL:      cfg.SessionTTL,
		CacheTTL: cfg.SessionCacheTTL,
	}, logger)
	if err != nil {
		_ = closeDB()
		return nil, err
	}

	var storage *attachments.Storage
	s3cfg := attachments.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	}
	if s3cfg.Enabled() {
		if storage, err = attachments.New(ctx, s3cfg); err != nil {
			_ = closeDB()
			return nil, err
		}
	}

	keyDir := keys.NewDirectory(db, logger)
	messages := store.NewMessages(db, cfg.QueuePageSize)
	offline := queue.NewOffline(db, cfg.QueuePageSize)
	reg := registry.New(registry.Config{HeartbeatTimeout: cfg.HeartbeatTimeout}, logger)
	presence := hub.NewPresence(reg, logger)

	rt := router.New(router.Config{
		DeliveryAttempts: cfg.DeliveryAttempts,
		BackoffBase:      cfg.BackoffBase,
		AttemptTimeout:   cfg.AttemptTimeout,
		MaxFlushAttempts: cfg.MaxFlushAttempts,
	}, messages, offline, reg, logger, router.WithPresence(presence))

	h := hub.New(ctx, hub.Config{
		PongWait:       cfg.HeartbeatTimeout,
		PingPeriod:     cfg.PingPeriod,
		SendBuffer:     cfg.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	}, authManager, keyDir, rt, messages, reg, presence, logger)

	ctrl := NewController(authManager, keyDir, profile.NewDirectory(db), messages, storage, h, logger)

	return &server{
		close:    closeDB,
		auth:     authManager,
		router:   rt,
		hub:      h,
		registry: reg,
		handler:  ctrl.Routes(cfg.AllowedOrigins),
	}, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	g, gctx := errgroup.WithContext(ctx)

	srv, err := build(gctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.close(); err != nil {
			logger.Error("close database", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		srv.registry.Run(gctx, srv.router.Detach)
		return nil
	})
	g.Go(func() error {
		pruneSessions(gctx, srv.auth, sessionPruneInterval, logger)
		return nil
	})

	err = g.Wait()
	// Hijacked WebSocket connections outlive Shutdown. Their requeues and
	// flushes must finish before the database closes.
	srv.hub.Wait()
	srv.router.Close()
	return err
}

func pruneSessions(ctx context.Context, m *auth.Manager, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.PruneExpired(ctx)
			if err != nil {
				logger.Error("prune sessions", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired sessions pruned", "count", n)
			}
		}
	}
}
