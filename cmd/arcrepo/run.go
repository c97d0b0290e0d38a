package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/netarchive/arcrepo/internal/arcrepository"
	"github.com/netarchive/arcrepo/internal/auth"
	"github.com/netarchive/arcrepo/internal/config"
	"github.com/netarchive/arcrepo/internal/logging/audit"
	"github.com/netarchive/arcrepo/internal/metrics"
	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/netarchive/arcrepo/internal/replica"
	"github.com/netarchive/arcrepo/internal/replica/node"
	"github.com/netarchive/arcrepo/internal/server"
	"github.com/netarchive/arcrepo/internal/staging"
	"github.com/netarchive/arcrepo/internal/svc"
	"github.com/netarchive/arcrepo/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout   = 30 * time.Second
	collectorInterval = time.Minute
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Run the coordinator: the store API, the admin API, the replica message
endpoint, the outcome feed and Prometheus metrics on one listener.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(svc.ModeServe, runServe)
		},
	}
	addRunFlags(cmd, svc.ModeServe)
	return cmd
}

func newReplicaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Run a replica node",
		Long: `Run a bitstream or checksum replica node. The node receives messages
from the coordinator and answers them through the coordinator's message
endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(svc.ModeReplica, runReplica)
		},
	}
	addRunFlags(cmd, svc.ModeReplica)
	return cmd
}

func addRunFlags(cmd *cobra.Command, mode string) {
	cmd.Flags().StringVarP(&cfgFile, "config", "c", svc.DefaultConfigPath(mode), "config file path")
	cmd.Flags().BoolVar(&serviceRun, "service-run", false, "Run under the service manager (internal use)")
	_ = cmd.Flags().MarkHidden("service-run")
}

// runMode runs fn in the foreground until SIGINT or SIGTERM, or under the
// service manager when started by it.
func runMode(mode string, fn svc.RunFunc) error {
	if serviceRun {
		setupServiceLogging(mode)
		cfg, err := svc.NewServiceConfig(mode, "", cfgFile)
		if err != nil {
			return err
		}
		log.Info().Str("mode", mode).Str("config", cfg.ConfigPath).Msg("starting as service")
		return svc.Run(&svc.Program{ConfigPath: cfg.ConfigPath, Run: fn}, cfg)
	}

	setupLogging()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, cfgFile)
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	config.ApplyLogLevel(cfg.LogLevel)
	flushLogs, err := shipLogs(cfg.LokiURL, map[string]string{"mode": svc.ModeServe})
	if err != nil {
		return err
	}
	defer flushLogs()

	srv, collector, err := buildServer(ctx, cfg, metrics.Registry, log.Logger)
	if err != nil {
		return err
	}

	collectCtx, cancelCollect := context.WithCancel(ctx)
	defer cancelCollect()
	go collector.Run(collectCtx, collectorInterval)

	log.Info().
		Str("listen", cfg.Listen).
		Str("public_url", cfg.PublicURL).
		Int("replicas", len(cfg.Replicas)).
		Msg("coordinator started")

	return serveUntilDone(ctx, srv.ListenAndServe, srv.Shutdown)
}

// buildServer wires the coordinator of cfg. Metrics are registered on reg.
func buildServer(ctx context.Context, cfg *config.ServerConfig, reg prometheus.Registerer, logger zerolog.Logger) (*server.Server, *metrics.Collector, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := adminstore.NewBoltStore(filepath.Join(cfg.DataDir, "admin.db"))
	if err != nil {
		return nil, nil, err
	}

	area, err := staging.NewArea(filepath.Join(cfg.DataDir, "staging"), cfg.PublicURL, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	tr := transport.New(transport.Config{
		Logger:    logger,
		AuthToken: cfg.AuthToken,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Exempt:    protocol.IsReply,
	})

	clients := make([]replica.Client, 0, len(cfg.Replicas))
	for _, entry := range cfg.Replicas {
		kind, err := replica.ParseKind(entry.Kind)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("replica %s: %w", entry.ID, err)
		}
		identity := replica.Identity{ID: entry.ID, Kind: kind, Channel: entry.Channel}
		clients = append(clients, replica.NewRemoteClient(identity, tr, cfg.PublicURL, logger))
	}

	m := metrics.New(reg)
	hub := server.NewHub(logger)

	coord, err := arcrepository.New(arcrepository.Config{
		Replicas:     clients,
		Store:        store,
		Logger:       logger,
		Metrics:      m,
		Audit:        audit.NewLogger(logger),
		MaxRetries:   cfg.UploadRetries,
		Releaser:     area,
		OnOutcome:    hub.Publish,
		Issuer:       auth.NewIssuer(cfg.RemovalSecret),
		QueryTimeout: cfg.QueryTimeoutDuration(),
		Context:      ctx,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	tr.RegisterHandler(coord.HandleMessage)

	srv, err := server.New(server.Config{
		Listen:      cfg.Listen,
		AuthToken:   cfg.AuthToken,
		AdminToken:  cfg.AdminToken,
		MaxFileSize: cfg.MaxFileSize.Bytes(),
		Repository:  coord,
		Staging:     area,
		Messages:    tr,
		Metrics:     metrics.Handler(),
		Hub:         hub,
		Logger:      logger,
	})
	if err != nil {
		_ = coord.Close()
		return nil, nil, err
	}

	return srv, metrics.NewCollector(m, coord, logger), nil
}

func runReplica(ctx context.Context, configPath string) error {
	cfg, err := config.LoadReplicaConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	config.ApplyLogLevel(cfg.LogLevel)
	flushLogs, err := shipLogs(cfg.LokiURL, map[string]string{"mode": svc.ModeReplica, "replica": cfg.ID})
	if err != nil {
		return err
	}
	defer flushLogs()

	n, httpSrv, err := buildReplica(cfg, log.Logger)
	if err != nil {
		return err
	}
	n.Start()
	defer func() { _ = n.Close() }()

	log.Info().
		Str("id", cfg.ID).
		Str("kind", cfg.Kind).
		Str("listen", cfg.Listen).
		Msg("replica node started")

	return serveUntilDone(ctx, httpSrv.ListenAndServe, httpSrv.Shutdown)
}

// buildReplica wires the replica node of cfg and the HTTP server exposing it.
func buildReplica(cfg *config.ReplicaConfig, logger zerolog.Logger) (*node.Node, *http.Server, error) {
	kind, err := replica.ParseKind(cfg.Kind)
	if err != nil {
		return nil, nil, err
	}

	tr := transport.New(transport.Config{
		Logger:    logger,
		AuthToken: cfg.AuthToken,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	})

	n, err := node.New(node.Config{
		ID:        cfg.ID,
		Kind:      kind,
		DataDir:   cfg.DataDir,
		Sender:    tr,
		Issuer:    auth.NewIssuer(cfg.RemovalSecret),
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	tr.RegisterHandler(n.HandleMessage)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           n.Router(tr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return n, httpSrv, nil
}

// serveUntilDone runs serve until it fails or ctx is done, then shuts down.
func serveUntilDone(ctx context.Context, serve func() error, shutdown func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(shutdownCtx)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
