package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hooklight/hooklight/internal/api"
	"github.com/hooklight/hooklight/internal/config"
	"github.com/hooklight/hooklight/internal/event"
	"github.com/hooklight/hooklight/internal/logging"
	"github.com/hooklight/hooklight/internal/metrics"
	"github.com/hooklight/hooklight/internal/mock"
	"github.com/hooklight/hooklight/internal/reconcile"
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
	"github.com/hooklight/hooklight/internal/store"
	"github.com/hooklight/hooklight/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// serveFlags collects command-line overrides. Unset flags stay zero and
// leave the loaded configuration alone.
type serveFlags struct {
	ConfigPath string
	Mock       bool
	Memory     bool
	Overrides  config.Config
}

func (f *serveFlags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&f.ConfigPath, "config", "c", "", "path to hooklight.yaml (default: ./hooklight.yaml, then ~/.hooklight/hooklight.yaml)")
	flagSet.BoolVar(&f.Mock, "mock", false, "generate synthetic sessions instead of waiting for hooks")
	flagSet.BoolVar(&f.Memory, "memory", false, "keep state in memory only")

	flagSet.StringVar(&f.Overrides.Server.Host, "host", "", "listen host")
	flagSet.IntVarP(&f.Overrides.Server.Port, "port", "p", 0, "listen port")
	flagSet.StringSliceVar(&f.Overrides.Server.AllowedOrigins, "allowed-origin", nil, "additional browser origin allowed to connect (repeatable)")
	flagSet.StringVar(&f.Overrides.Database.Driver, "db-driver", "", "database driver (sqlite or postgres)")
	flagSet.StringVar(&f.Overrides.Database.DSN, "db", "", "database DSN or SQLite file path")
	flagSet.DurationVar(&f.Overrides.Reconcile.SessionTimeout, "session-timeout", 0, "end live sessions idle for longer than this")
	flagSet.StringVar(&f.Overrides.Log.Level, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.StringVar(&f.Overrides.Log.Format, "log-format", "", "log format (console or json)")
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Long: `Run the hooklight server: the event ingestion endpoint, the session query
API, the live WebSocket stream and the metrics endpoint.

Examples:
  hooklight serve
  hooklight serve --config ./hooklight.yaml
  hooklight serve --mock --memory --port 9000
  hooklight serve --db-driver postgres --db "host=localhost user=hooklight dbname=hooklight"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyOverrides(flags.Overrides); err != nil {
				return fmt.Errorf("apply flags: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			return runServe(cmd.Context(), cfg, flags)
		},
	}

	flags.AddFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, flags *serveFlags) error {
	zl, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg.Database, flags.Memory, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warnf("Close store: %v", err)
		}
	}()

	clk := clock.New()
	m := metrics.New()
	privacy := cfg.Privacy.NewPrivacyFilter()

	hub := ws.NewHub(ws.Options{
		QueueSize:      cfg.Hub.QueueSize,
		WriteTimeout:   cfg.Hub.WriteTimeout,
		PingInterval:   cfg.Hub.PingInterval,
		PongWait:       cfg.Hub.PongWait,
		MaxConnections: cfg.Hub.MaxConnections,
		Privacy:        privacy,
		Snapshot: func(ctx context.Context) ([]*session.Session, error) {
			return db.List(ctx, session.ListQuery{ActiveOnly: true})
		},
		Metrics: m,
		Logger:  log.Named("hub"),
	})
	defer hub.Close()

	managed := cfg.Settings.ManagedPath
	if managed == "" {
		managed = settings.ManagedPath(runtime.GOOS)
	}
	user := cfg.Settings.UserPath
	if user == "" {
		user = settings.DefaultUserPath()
	}
	loader := settings.NewLoader(managed, user, log.Named("settings"))

	rec := reconcile.New(db, reconcile.Options{
		Clock:    clk,
		Logger:   log.Named("reconcile"),
		Layers:   loader,
		Notifier: hub,
		Metrics:  m,
	})
	ingestor := event.NewIngestor(rec, cfg.Server.IngestWorkers, cfg.Server.IngestQueue, m, log.Named("ingest"))
	defer ingestor.Close()

	poller := settings.NewPoller(loader, rec, cfg.Settings.PollInterval, clk, log.Named("settings"))
	go poller.Start(ctx)

	sweeper := reconcile.NewSweeper(rec, cfg.Reconcile.SessionTimeout)
	go sweeper.Start(ctx)

	if flags.Mock {
		log.Info("Starting in mock mode")
		mock.NewGenerator(ingestor, mock.Options{Clock: clk, Logger: log.Named("mock")}).Start(ctx)
	}

	srv := api.NewServer(api.Options{
		Store:          db,
		Ingester:       ingestor,
		Hub:            hub,
		Origins:        ws.NewOriginPolicy(cfg.Server.AllowedOrigins),
		Privacy:        privacy,
		Global:         loader,
		SettingsHealth: poller.Health,
		Metrics:        m,
		Clock:          clk,
		Logger:         log.Named("api"),
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Listening on http://%s", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(cfg config.DatabaseConfig, memory bool, log *zap.SugaredLogger) (session.Store, error) {
	if memory {
		log.Info("Using in-memory store; nothing is persisted")
		return session.NewMemoryStore(), nil
	}
	if cfg.Driver == config.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return store.Open(cfg.Driver, cfg.DSN, log.Named("store"))
}
