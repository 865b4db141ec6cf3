package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/marketplace-dispatch/internal/chat"
	"github.com/example/marketplace-dispatch/internal/config"
	"github.com/example/marketplace-dispatch/internal/delivery"
	"github.com/example/marketplace-dispatch/internal/dispatcher"
	"github.com/example/marketplace-dispatch/internal/fabric"
	httpapi "github.com/example/marketplace-dispatch/internal/http"
	"github.com/example/marketplace-dispatch/internal/ingest"
	"github.com/example/marketplace-dispatch/internal/logging"
	"github.com/example/marketplace-dispatch/internal/models"
	"github.com/example/marketplace-dispatch/internal/payments"
	"github.com/example/marketplace-dispatch/internal/presence"
	"github.com/example/marketplace-dispatch/internal/storage"
	"github.com/example/marketplace-dispatch/internal/trip"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, perr := storage.NewPostgresStore(cfg.PGDSN)
		if perr != nil {
			logger.Error("postgres unavailable", "error", perr)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory request store")
	}

	registry := presence.NewRegistry()
	if cfg.RedisAddr != "" {
		registry.WithMirror(presence.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, logger))
	}

	fab := fabric.New(logger)

	disp := dispatcher.New(dispatcher.Config{
		Interval:    cfg.DispatchInterval,
		Stagger:     cfg.DispatchStagger,
		MaxAttempts: cfg.DispatchMaxAttempts,
		TopK:        cfg.DispatchTopK,
	}, dispatcher.SystemClock(), func(agentID string, payload any) error {
		return fab.PublishToOne(agentID, models.EventOfferPushed, payload)
	}, logger)

	var gateway payments.Gateway = payments.NoopGateway{}
	if os.Getenv("STRIPE_API_KEY") != "" {
		gateway = payments.NewStripeGateway()
	}

	var events trip.EventSink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		events = kp
	}

	trips := trip.NewService(registry, disp, fab, store, gateway, events, trip.Config{
		RadiusMeters: cfg.SearchRadiusMeters,
	}, logger)
	orders := delivery.NewService(registry, disp, fab, store, events, logger)

	relay := chat.NewRelay(fab, func(requestID string) ([]string, bool) {
		if ps, ok := trips.Participants(requestID); ok {
			return ps, true
		}
		return orders.Participants(requestID)
	}, logger)

	srv := httpapi.NewServer(trips, orders, relay, fab, registry, []byte(cfg.JWTSecret), logger)

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
		logger.Info("dispatch engine listening", "addr", cfg.HTTPAddr)
		if serr := httpSrv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", serr)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("shutdown error", "error", serr)
	}
	logger.Info("dispatch engine stopped")
}

func runMigrations(dsn string, logger interface{ Error(string, ...any) }) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_requests.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
	}
}
