package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/ridesync/internal/config"
	"github.com/example/ridesync/internal/location"
	"github.com/example/ridesync/internal/routing"
	routinghttp "github.com/example/ridesync/internal/routing/handler"
	"github.com/example/ridesync/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadLocationService()
	if err != nil {
		observability.SetupLogger("location-service", "info").Fatal("load config", zap.Error(err))
	}

	logger := observability.SetupLogger("location-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "location-service", nil)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	checks := map[string]observability.Check{}
	var cache routing.Cache = routing.NewMemoryCache()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, caching routes in memory", zap.Error(err))
		} else {
			cache = routing.NewRedisCache(client, "")
			checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	}

	var provider routing.Provider
	if cfg.OSRMURL != "" || cfg.NominatimURL != "" {
		provider = routing.NewHTTPProvider(cfg.OSRMURL, cfg.NominatimURL)
	} else {
		logger.Warn("no routing provider configured, serving geometric estimates only")
	}
	routes := routing.NewClient(provider, cache, routing.Config{
		ProviderTimeout:  cfg.ProviderTimeout,
		FallbackSpeedKmh: cfg.FallbackSpeed,
		CacheTTL:         cfg.RouteCacheTTL,
	}, logger)

	observer := location.NewStreamObserver()

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)
	routinghttp.New(routes).Mount(r)
	observer.Mount(r)
	r.Mount("/observability", observability.MetricsRouter(checks))

	rest := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("routing REST listening", zap.String("addr", rest.Addr))
		if err := rest.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("rest server", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	grpcSrv := grpc.NewServer()
	location.RegisterLocationServer(grpcSrv, location.NewServer(observer, logger))
	go func() {
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Fatal("grpc serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = rest.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
}
