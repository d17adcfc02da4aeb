package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/api"
	"github.com/bvbrc/workspace/pkg/auth"
	"github.com/bvbrc/workspace/pkg/config"
	"github.com/bvbrc/workspace/pkg/metrics"
	promMetrics "github.com/bvbrc/workspace/pkg/metrics/prometheus"
	"github.com/bvbrc/workspace/pkg/service"
	"github.com/bvbrc/workspace/pkg/shock"
	"github.com/bvbrc/workspace/pkg/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the workspace server",
	Long: `Start the workspace server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/workspace/config.yaml.

Examples:
  # Start with default config location
  wsd start

  # Start with custom config file
  wsd start --config /etc/workspace/config.yaml

  # Start with environment variable overrides
  WORKSPACE_LOGGING_LEVEL=DEBUG wsd start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}
	rpcMetrics := promMetrics.NewRPCMetrics()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(context.Background()); err != nil {
			logger.Error("closing metadata backend", logger.KeyError, err)
		}
	}()
	repo := store.NewRepository(backend, store.NewFilesystemBase(cfg.Filesystem.Path))

	var shockClient *shock.Client
	if cfg.Shock.URL != "" {
		shockClient = shock.NewClient(cfg.Shock.URL, nil)
	}

	var tokens auth.TokenSource
	if cfg.Auth.ServiceURL != "" {
		tokens = auth.NewAuthServiceSource(cfg.Auth.ServiceURL, cfg.Auth.User, cfg.Auth.Password, nil)
	} else {
		tokens = auth.StaticTokenSource{}
	}

	types, err := service.LoadTypeRegistry(cfg.Service.TypesFile)
	if err != nil {
		return fmt.Errorf("loading type registry: %w", err)
	}

	lanes := service.NewLanes(cfg.Database.WorkerThreads, rpcMetrics)
	defer lanes.Close()

	svc := service.New(repo, shockClient, tokens, lanes, types, service.Options{
		DownloadLifetime:  cfg.Download.Lifetime,
		DownloadURLBase:   cfg.Download.URLBase,
		MaxInlineData:     int64(cfg.Service.MaxInlineData),
		ReconcileInterval: cfg.Shock.ReconcileInterval,
	}, rpcMetrics)
	svc.StartReconciler(ctx)

	certs := auth.NewCertCache(&http.Client{Timeout: 30 * time.Second})
	dispatcher := api.NewDispatcher(svc, certs, cfg.Auth.IsAdmin, rpcMetrics)
	router := api.NewRouter(api.RouterOptions{
		APIRoot:        cfg.Server.APIRoot,
		RequestTimeout: cfg.Server.WriteTimeout,
		Dispatcher:     dispatcher,
		Download:       api.NewDownloadHandler(svc, rpcMetrics),
	})

	logger.Info("workspace server starting",
		"version", Version,
		"backend", cfg.Database.Backend,
		"filesystem", cfg.Filesystem.Path,
		"shock", cfg.Shock.URL,
	)
	return api.NewServer(cfg.Server, router).Start(ctx)
}

// openBackend connects the configured metadata store.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Database.Backend {
	case "mongo":
		poolSize := uint64(cfg.Database.WorkerThreads)
		if poolSize < 1 {
			poolSize = 1
		}
		backend, err := store.NewMongoBackend(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase, poolSize)
		if err != nil {
			return nil, fmt.Errorf("connecting to mongodb: %w", err)
		}
		return backend, nil
	case "memory":
		logger.Warn("using in-memory metadata backend; data will not survive restarts")
		return store.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}
