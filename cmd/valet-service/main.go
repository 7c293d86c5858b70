package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ivalet/internal/config"
	"ivalet/internal/httpapi"
	"ivalet/internal/store/postgres"
	"ivalet/internal/telemetry"
	"ivalet/internal/voice"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("valet-service", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer redisClient.Close()

	store := postgres.NewStore(pool)
	voiceChannel := voice.NewChannel(redisClient)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.ProvisionCapacity(bootCtx, cfg.SlotCapacity); err != nil {
		log.Fatalf("provision slots: %v", err)
	}
	bootCancel()

	handler := httpapi.NewHandler(store, voiceChannel, httpapi.Options{
		StaffToken: cfg.StaffToken,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), "valet-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("valet-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		if cfg.ExpiryCutoff <= 0 || cfg.ExpiryInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.ExpiryInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			count, err := store.SweepExpired(ctx, cfg.ExpiryCutoff, cfg.ExpiryBatchSize)
			cancel()
			if err != nil {
				log.Printf("expiry sweep error: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("expiry sweep processed %d tickets", count)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
