package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ridesync/internal/auth"
	"github.com/example/ridesync/internal/config"
	"github.com/example/ridesync/internal/http/middleware"
	outboxworker "github.com/example/ridesync/internal/outbox"
	"github.com/example/ridesync/internal/realtime"
	"github.com/example/ridesync/internal/ride/claim"
	"github.com/example/ridesync/internal/ride/domain"
	"github.com/example/ridesync/internal/ride/handler"
	"github.com/example/ridesync/internal/ride/repository"
	"github.com/example/ridesync/internal/ride/service"
	"github.com/example/ridesync/internal/routing"
	"github.com/example/ridesync/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadRideService()
	if err != nil {
		observability.SetupLogger("ride-service", "info").Fatal("load config", zap.Error(err))
	}

	logger := observability.SetupLogger("ride-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "ride-service", nil)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	checks := map[string]observability.Check{}

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer pool.Close()
		checks["postgres"] = pool.Ping
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("rideservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
			checks["nats"] = func(context.Context) error {
				if !conn.IsConnected() {
					return errors.New(conn.Status().String())
				}
				return nil
			}
		} else {
			logger.Warn("nats connection failed, realtime stays on this node", zap.Error(err))
		}
	}

	repo, err := buildRepository(ctx, pool, cfg)
	if err != nil {
		logger.Fatal("ride repository", zap.Error(err))
	}
	claims, idem := buildStores(redisClient, cfg)
	routes := buildRouting(redisClient, cfg, logger)

	hub := realtime.NewHub(logger)
	var (
		events domain.EventPublisher = hub
		rooms  realtime.RoomPublisher = hub
	)
	if natsConn != nil {
		bridge := realtime.NewNATSBridge(hub, natsConn, cfg.RealtimeSubject, logger)
		if err := bridge.Start(); err != nil {
			logger.Fatal("realtime bridge", zap.Error(err))
		}
		defer bridge.Close()
		events, rooms = bridge, bridge
	}

	svc := service.New(repo, events, claims, domain.SystemClock{}, idem, routes, logger.Named("ride.service"), service.Config{ClaimTTL: cfg.ClaimTTL})
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	ws := realtime.NewHandler(hub, rooms, verifier.Authenticate, service.NewPolicy(svc), logger)

	var limiter func(http.Handler) http.Handler
	if redisClient != nil {
		limiter = middleware.NewRateLimiter(redisClient, middleware.RateLimits{
			Read:   middleware.RateConfig{Rate: cfg.ReadRate, Burst: cfg.RateBurst},
			Write:  middleware.RateConfig{Rate: cfg.WriteRate, Burst: cfg.RateBurst},
			Accept: middleware.RateConfig{Rate: cfg.AcceptRate, Burst: 1},
		}, logger).Middleware
	}

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", handler.NewHTTP(svc, ws, logger).Router(verifier, limiter))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if pool != nil && natsConn != nil {
		worker := outboxworker.NewWorker(pool, natsConn, logger, outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxInterval,
			BatchSize:    cfg.OutboxBatchSize,
			RetryMax:     cfg.OutboxRetryMax,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("postgres", pool != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("ride service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildRepository(ctx context.Context, pool *pgxpool.Pool, cfg config.RideService) (domain.Repository, error) {
	if pool == nil {
		return repository.NewMemoryRepository(), nil
	}
	repo := repository.NewPostgresRepository(pool, cfg.EventSubject)
	if err := repo.Migrate(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func buildStores(client *redis.Client, cfg config.RideService) (domain.ClaimStore, domain.IdempotencyRepository) {
	if client == nil {
		return claim.NewMemoryStore(), repository.NewMemoryIdempotencyRepo(cfg.IdempotencyTTL)
	}
	return claim.NewRedisStore(client, ""), repository.NewRedisIdempotencyRepo(client, "", cfg.IdempotencyTTL)
}

func buildRouting(client *redis.Client, cfg config.RideService, logger *zap.Logger) *routing.Client {
	var provider routing.Provider
	if cfg.OSRMURL != "" || cfg.NominatimURL != "" {
		provider = routing.NewHTTPProvider(cfg.OSRMURL, cfg.NominatimURL)
	}
	var cache routing.Cache = routing.NewMemoryCache()
	if client != nil {
		cache = routing.NewRedisCache(client, "")
	}
	return routing.NewClient(provider, cache, routing.Config{ProviderTimeout: cfg.ProviderTimeout}, logger)
}
