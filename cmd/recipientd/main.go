package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"tenantmigration/donor"
	"tenantmigration/donorwire"
	"tenantmigration/election"
	"tenantmigration/pii"
	"tenantmigration/primaryonly"
	"tenantmigration/recipient"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("configure_logging")
	}

	dsn, err := cfg.sqlDSN()
	if err != nil {
		logger.Fatal().Err(err).Msg("build_sql_dsn")
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open_sql")
	}
	defer func() {
		_ = db.Close()
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		logger.Fatal().Err(err).Msg("ping_sql")
	}
	pingCancel()

	store, err := recipient.NewSQLStore(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("construct_store")
	}
	leases, err := election.NewSQLStore(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("construct_lease_store")
	}

	dialer := donorwire.Dialer{Logger: logger}
	metrics := recipient.NewMetrics()
	svc, err := recipient.NewService(recipient.Config{
		Store: store,
		NewResolver: func(addr donor.Address) donor.Resolver {
			return donor.Resolver{
				Source: donorwire.Prober{
					SetName: addr.SetName,
					Hosts:   addr.Hosts,
					Dialer:  dialer,
					Logger:  logger,
				},
				Dialer:          dialer,
				FindHostTimeout: cfg.Donor.FindHostTimeout,
			}
		},
		LeaseName: cfg.Lease.Name,
		Logger:    logger,
		Metrics:   metrics,
		Hasher:    pii.New(cfg.PIISalt),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("construct_service")
	}

	registry := primaryonly.NewRegistry(logger)
	if err := registry.RegisterService(svc); err != nil {
		logger.Fatal().Err(err).Msg("register_service")
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := registry.OnStartup(startupCtx); err != nil {
		startupCancel()
		logger.Fatal().Err(err).Msg("ensure_storage")
	}
	if err := leases.EnsureSchema(startupCtx); err != nil {
		startupCancel()
		logger.Fatal().Err(err).Msg("ensure_lease_schema")
	}
	startupCancel()

	runner, err := election.NewRunner(leases, election.Callbacks{
		OnStepUp:   registry.OnStepUpComplete,
		OnStepDown: registry.OnStepDown,
	}, election.Config{
		LeaseName:       cfg.Lease.Name,
		HolderID:        cfg.Lease.HolderID,
		LeaseDuration:   cfg.Lease.Duration,
		RenewInterval:   cfg.Lease.RenewInterval,
		AcquireInterval: cfg.Lease.AcquireInterval,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("construct_election_runner")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go runner.Run(runCtx)

	server := &apiServer{
		svc:      svc,
		registry: registry,
		store:    store,
		runner:   runner,
		metrics:  metrics,
		pingDB: func(ctx context.Context) error {
			return db.PingContext(ctx)
		},
	}
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: newMux(server),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info().Msg("shutdown_requested")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		runCancel()
		_ = registry.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Addr).Str("holder_id", cfg.Lease.HolderID).Msg("recipientd_listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("http_server")
	}
}

func newLogger(cfg config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	if cfg.Log.JSON {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger(), nil
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), nil
}
