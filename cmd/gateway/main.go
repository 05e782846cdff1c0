package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/thriftgate/thriftgate/config"
	"github.com/thriftgate/thriftgate/internal/accounting"
	"github.com/thriftgate/thriftgate/internal/audit"
	"github.com/thriftgate/thriftgate/internal/auth"
	"github.com/thriftgate/thriftgate/internal/classify"
	"github.com/thriftgate/thriftgate/internal/provider"
	"github.com/thriftgate/thriftgate/internal/proxy"
	"github.com/thriftgate/thriftgate/internal/registry"
	"github.com/thriftgate/thriftgate/internal/telemetry"
	"github.com/thriftgate/thriftgate/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("thriftgate", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Load provider registry
	reg, err := registry.Load(cfg.RegistryPath, provider.NewEstimator())
	if err != nil {
		log.Fatalf("failed to load provider registry: %v", err)
	}
	log.Printf("Registry loaded: %d providers, primary %s", len(reg.All()), reg.Primary().Name())

	// 4. Cost accounting, baselined against whichever provider is primary
	// after the latest reload
	acct := accounting.New(func() accounting.CostTable { return reg.Primary() })

	// 5. Audit persistence, only when a DSN is configured
	var auditWriter *audit.Writer
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")

		store := audit.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatalf("failed to ensure audit schema: %v", err)
		}
		auditWriter = audit.NewWriter(store, 1024)
	}

	// 6. Rate limiter, only when Redis is configured
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	}

	// 7. Classification policy
	emptyDefault := classify.Conversational
	if cfg.ClassifyEmpty == "tool" {
		emptyDefault = classify.ToolRequired
	}
	policy := classify.NewPolicy(emptyDefault)

	// 8. Router and handler
	router := proxy.NewRouter(reg)
	tracer := otel.GetTracerProvider().Tracer("thriftgate")
	handler := proxy.NewHandler(reg, router, acct, auditWriter, limiter, tracer, policy, cfg.ForceProvider)

	if cfg.ForceProvider != "" {
		log.Printf("FORCE_PROVIDER set: all requests pinned to %s", cfg.ForceProvider)
	}

	// 9. HTTP surface
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", handler.HandleHealth)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(cfg.GatewayAPIKey))
		r.Post("/v1/messages", handler.HandleMessages)
		r.Get("/v1/stats", handler.HandleStats)
		r.Post("/v1/registry/reload", handler.HandleReload)
	})

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("thriftgate starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	if auditWriter != nil {
		if err := auditWriter.Close(shutdownCtx); err != nil {
			log.Printf("WARN audit writer did not drain: %v", err)
		}
	}
	log.Println("Server stopped")
}
