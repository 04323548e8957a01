package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"milestoneescrow/api"
	"milestoneescrow/auth"
	"milestoneescrow/config"
	"milestoneescrow/custody"
	"milestoneescrow/db"
	"milestoneescrow/escrow"
	"milestoneescrow/ledger"
	"milestoneescrow/observability"
	"milestoneescrow/outbox"
	"milestoneescrow/pkg/logger"
	"milestoneescrow/store"
	"milestoneescrow/store/memory"
	"milestoneescrow/store/postgres"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("escrow api stopped", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// app holds every long-lived dependency of the server.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    store.Store
	escrow   *escrow.Service
	router   *gin.Engine
	provider *observability.Provider
	pool     *pgxpool.Pool
	redis    *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	provider, err := observability.NewProvider(ctx, observability.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Interval:    cfg.Telemetry.Interval,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.provider = provider
	metrics, err := observability.NewMetrics(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	var principals auth.Repository
	switch cfg.Store.Driver {
	case "postgres":
		a.pool, err = db.NewPool(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		if cfg.Store.Migrate {
			if err := db.Migrate(ctx, a.pool); err != nil {
				return nil, err
			}
		}
		a.store = postgres.New(a.pool)
		principals = auth.NewRepository(a.pool)
	default:
		a.store = memory.New()
		principals = auth.NewMemoryRepository()
	}

	custodian, err := ledger.ParseAccount(cfg.Custody.Custodian)
	if err != nil {
		return nil, fmt.Errorf("custody.custodian: %w", err)
	}

	var lock custody.Lock = custody.NewLocalLock()
	if cfg.Custody.Lock == "redis" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Custody.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		lock = custody.NewRedisLock(a.redis, "", cfg.Custody.LockTTL)
	}

	// memory is the only ledger driver config accepts
	devLedger := ledger.NewMemory()
	module := custody.NewModule(devLedger, custodian, lock).WithRecorder(metrics)

	a.escrow = escrow.NewService(a.store, module).
		WithLogger(log).
		WithMetrics(metrics)

	authService := auth.NewService(principals, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	server := api.NewServer(a.escrow, authService, log).
		WithRateLimit(cfg.Server.RateLimit, cfg.Server.Burst).
		WithDevLedger(devLedger, custodian)
	a.router = server.Router()

	log.Info("escrow service ready",
		"store", cfg.Store.Driver,
		"lock", cfg.Custody.Lock,
		"custodian", custodian,
	)
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.provider != nil {
		if err := a.provider.Shutdown(ctx); err != nil {
			a.log.Warn("shutdown telemetry", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.Log.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("escrow-outbox"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()

		publisher, err := outbox.NewNATSPublisher(nc, cfg.NATS.Stream, cfg.NATS.Prefix)
		if err != nil {
			return err
		}
		relay := outbox.NewRelay(a.store, publisher, log).
			WithInterval(cfg.NATS.Interval).
			WithBatchSize(cfg.NATS.BatchSize)
		g.Go(func() error { return relay.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
