package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/marketplace"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/passengers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/wallet"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store   storage.RideStore = storage.NewMemoryStore()
		journal wallet.Journal
		source  wallet.Source
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store, journal, source = ps, ps, ps
	}

	var index geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		rg.Radius = cfg.MatcherRadiusMeters
		if err := rg.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, matcher will fall back to the registry", "addr", cfg.RedisAddr, "error", err)
		}
		defer rg.Close()
		index = rg
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	driverReg := drivers.NewRegistry()
	ledger := wallet.NewLedger(journal)
	if source != nil {
		n, err := ledger.Restore(ctx, source)
		if err != nil {
			return err
		}
		logger.Info("wallets restored from journal", "transactions", n)
	}
	bus := events.NewBus(cfg.EventBuffer)

	deps := marketplace.Deps{
		Drivers:    driverReg,
		Passengers: passengers.NewRegistry(),
		Rides:      rides.NewEngine(store, driverReg, ledger, cfg.CommissionRate),
		Wallets:    ledger,
		Matcher:    &matcher.Service{Drivers: driverReg, Geo: index, ETA: estimator, TopN: cfg.MatcherTopN, RadiusMeters: cfg.MatcherRadiusMeters, Logger: logger},
		Bus:        bus,
		Geo:        index,
		Currency:   cfg.SettlementCurrency,
		Logger:     logger,
	}
	if cfg.StripeAPIKey != "" {
		deps.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	svc := marketplace.New(deps)

	if len(cfg.KafkaBrokers) > 0 {
		sink := ingest.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		defer sink.Close()
		go sink.Run(ctx, bus.SubscribeAll())
		logger.Info("kafka event sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaEventsTopic)
	}

	hub := dispatch.NewHub(bus, svc, logger, cfg.WSWriteTimeout)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, hub, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
