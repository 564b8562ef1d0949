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

	"github.com/restgate/restgate/catalog"
	"github.com/restgate/restgate/config"
	"github.com/restgate/restgate/engine"
	"github.com/restgate/restgate/obs"
	"github.com/restgate/restgate/policy"
	"github.com/restgate/restgate/server"
	"github.com/restgate/restgate/sessions"
	"github.com/restgate/restgate/transport"
)

func main() {
	root := &cobra.Command{
		Use:          "restgate",
		Short:        "Governed call engine and agent tool surface for a pinned REST API catalog",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cat, err := catalog.Load(cfg.Catalog.OperationsPath, cfg.Catalog.PagingMapPath, cfg.Catalog.DefinitionsPath)
	if err != nil {
		return err
	}
	log.Info("catalog.load.ok", slog.Int("operations", cat.Len()))

	allow, err := policy.ParseListFile(cfg.Policy.AllowListPath)
	if err != nil {
		return fmt.Errorf("load allow list: %w", err)
	}
	deny, err := policy.ParseListFile(cfg.Policy.DenyListPath)
	if err != nil {
		return fmt.Errorf("load deny list: %w", err)
	}
	gate := policy.NewGate(allow, deny, cfg.Policy.EnableWrites)

	logPolicy, err := policy.LoadLoggingPolicy(cfg.Policy.LoggingPolicyPath)
	if err != nil {
		return fmt.Errorf("load logging policy: %w", err)
	}

	clientOpts := []transport.Option{
		transport.WithLogger(log),
		transport.WithMaxAttempts(cfg.Upstream.MaxAttempts),
	}
	if cfg.Upstream.AllowInsecureHTTP {
		clientOpts = append(clientOpts, transport.WithAllowInsecureHTTP())
	}
	if len(cfg.Upstream.AllowedHosts) > 0 {
		clientOpts = append(clientOpts, transport.WithAllowedHosts(cfg.Upstream.AllowedHosts))
	}
	client := transport.NewClient(transport.NewTokenCache(), clientOpts...)

	engOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithLimits(engine.Limits{
			PageSize:   cfg.Limits.PageSize,
			Limit:      cfg.Limits.Limit,
			MaxPages:   cfg.Limits.MaxPages,
			MaxRuntime: cfg.Limits.MaxRuntime,
		}),
	}
	if cfg.Upstream.ClientID != "" {
		engOpts = append(engOpts, engine.WithDefaultCredentials(transport.Credentials{
			BaseURL:      cfg.Upstream.BaseURL,
			TokenURL:     cfg.Upstream.TokenURL,
			ClientID:     cfg.Upstream.ClientID,
			ClientSecret: cfg.Upstream.ClientSecret,
			Scope:        cfg.Upstream.Scope,
		}))
	}
	eng := engine.New(cat, gate, logPolicy, client, engOpts...)

	metrics := obs.NewMetrics()
	sm := sessions.NewManager(cfg.Sessions.Max, cfg.Sessions.TTL,
		sessions.WithLogger(log),
		sessions.WithHooks(sessions.Hooks{
			Opened: func(s sessions.Session) { metrics.SessionOpened() },
			Closed: func(s sessions.Session, reason string, lifetime time.Duration) {
				metrics.SessionClosed(reason, lifetime)
			},
		}),
	)

	handlerOpts := []server.Option{
		server.WithLogger(log),
		server.WithServerName(cfg.Server.Name),
	}
	if cfg.Server.SharedSecret != "" {
		handlerOpts = append(handlerOpts, server.WithSharedSecret(cfg.Server.SharedSecret))
	}
	h := server.New(eng, sm, metrics, handlerOpts...)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sm.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}
