package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ride-escrow/internal/config"
	"github.com/example/ride-escrow/internal/feed"
	httpapi "github.com/example/ride-escrow/internal/http"
	"github.com/example/ride-escrow/internal/ledger"
	"github.com/example/ride-escrow/internal/lifecycle"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/notify"
	"github.com/example/ride-escrow/internal/payments"
	"github.com/example/ride-escrow/internal/reconcile"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var store ledger.Store
	if cfg.PGDSN != "" {
		ps, err := ledger.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := runMigrations(ps); err != nil {
				logger.Error("migrations", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory ledger store")
		store = ledger.NewMemoryStore()
	}

	gateway := payments.NewRetrying(payments.NewStripeGateway(cfg.StripeAPIKey), cfg.GatewayAttempts, cfg.GatewayBackoff)

	wsreg := notify.NewWSRegistry(logger)
	notifiers := notify.Fanout{wsreg}
	var kn *notify.KafkaNotifier
	if len(cfg.KafkaBrokers) > 0 {
		kn = notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		notifiers = append(notifiers, kn)
	}

	var browser feed.Browser = &feed.StoreBrowser{Store: store}
	var dedup reconcile.Deduper = reconcile.NopDeduper{}
	if cfg.RedisAddr != "" {
		browser = feed.NewRedisFeed(cfg.RedisAddr, cfg.RedisPassword, cfg.OpenRidesKey)
		dedup = reconcile.NewRedisDeduper(cfg.RedisAddr, cfg.RedisPassword, 24*time.Hour)
	}

	ctrl := lifecycle.NewController(store, gateway, notifiers, logger)
	ctrl.DefaultCurrency = cfg.DefaultCurrency
	rec := reconcile.NewReconciler(store, &reconcile.StripeVerifier{Secret: cfg.StripeWebhookSecret}, dedup, notifiers, logger)

	srv := httpapi.NewServer(ctrl, rec, browser, wsreg, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-escrow listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	if kn != nil {
		_ = kn.Close()
	}
}

func runMigrations(ps *ledger.PostgresStore) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_ride_requests.sql"))
	if err != nil {
		return err
	}
	_, err = ps.DB().Exec(string(b))
	return err
}
