package main

import (
	"context"
	"errors"
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

	"github.com/GEJFY/inference-gateway/config"
	"github.com/GEJFY/inference-gateway/internal/auth"
	"github.com/GEJFY/inference-gateway/internal/budget"
	"github.com/GEJFY/inference-gateway/internal/ledger"
	"github.com/GEJFY/inference-gateway/internal/metrics"
	"github.com/GEJFY/inference-gateway/internal/pricing"
	"github.com/GEJFY/inference-gateway/internal/provider"
	"github.com/GEJFY/inference-gateway/internal/provider/azureopenai"
	"github.com/GEJFY/inference-gateway/internal/provider/bedrock"
	"github.com/GEJFY/inference-gateway/internal/provider/gemini"
	"github.com/GEJFY/inference-gateway/internal/provider/ollama"
	"github.com/GEJFY/inference-gateway/internal/provider/vllm"
	"github.com/GEJFY/inference-gateway/internal/proxy"
	"github.com/GEJFY/inference-gateway/internal/registry"
	"github.com/GEJFY/inference-gateway/internal/router"
	"github.com/GEJFY/inference-gateway/internal/seeder"
	"github.com/GEJFY/inference-gateway/internal/telemetry"
	"github.com/GEJFY/inference-gateway/internal/worker"
	"github.com/GEJFY/inference-gateway/pkg/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("inference-gateway", cfg)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer shutdownTracer()
	tracer := otel.Tracer("inference-gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres is optional: without it API keys fall back to a static dev
	// key and cost entries live only in memory.
	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
	}

	// Redis is optional: without it rate limiting, the auth cache, and
	// async jobs are disabled.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
	}

	reg := registry.New()
	reg.AddFactory("azure", func() (provider.Provider, error) {
		return azureopenai.New(cfg.AzureOpenAIAPIKey, cfg.AzureOpenAIEndpoint), nil
	})
	reg.AddFactory("bedrock", func() (provider.Provider, error) {
		return bedrock.New(cfg.AWSRegion, cfg.BedrockEnabled), nil
	})
	reg.AddFactory("gemini", func() (provider.Provider, error) {
		return gemini.New(cfg.GeminiAPIKey), nil
	})
	reg.AddFactory("ollama", func() (provider.Provider, error) {
		return ollama.New(cfg.OllamaBaseURL, "llama3.1:8b"), nil
	})
	reg.AddFactory("vllm", func() (provider.Provider, error) {
		return vllm.New(cfg.VLLMBaseURL, cfg.VLLMAPIKey, "meta-llama/Llama-3.1-8B-Instruct"), nil
	})
	reg.Initialize()
	defer reg.Close()

	table := pricing.DefaultTable()

	led := ledger.New(table, cfg.LedgerMaxEntries)
	if pool != nil {
		led.SetSink(ledger.NewPostgresSink(pool))
	} else {
		log.Println("main: no POSTGRES_DSN set, cost entries are in-memory only")
	}

	brk := budget.New(cfg.MonthlyBudgetUSD, cfg.BudgetWarnRatio)
	log.Printf("main: monthly budget $%.2f, warn ratio %.2f (spend tracking resets on restart)",
		cfg.MonthlyBudgetUSD, cfg.BudgetWarnRatio)

	rt := router.New(reg, table, led, brk, router.Config{
		DefaultBackend:      cfg.DefaultBackend,
		FallbackChain:       cfg.FallbackChain,
		LocalBackends:       cfg.LocalBackends,
		ConfidentialBackend: cfg.ConfidentialBackend,
	})

	var store auth.Store
	if pool != nil {
		store = auth.NewPostgresStore(pool)
		seeder.SeedTestAPIKey(ctx, store)
	} else {
		store = auth.NewStaticStore(seeder.TestAPIKey, seeder.TestUserID)
		log.Printf("main: no POSTGRES_DSN set, using static API key %q", seeder.TestAPIKey)
	}

	var limiter *ratelimit.Limiter
	var queue worker.Queue
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		rq := worker.NewRedisQueue(rdb, rt)
		queue = rq
		go rq.Run(ctx)
	}

	h := proxy.NewHandler(rt, reg, led, brk, queue, limiter, tracer)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"inference-gateway"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// Protected routes
	authMiddleware := auth.NewMiddleware(store, rdb)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", h.HandleChatCompletions)
		r.Post("/v1/chat/completions/stream", h.HandleChatCompletionsStream)
		r.Post("/v1/embeddings", h.HandleEmbeddings)
		r.Get("/v1/usage", h.HandleUsage)
		r.Post("/v1/jobs", h.HandleCreateJob)
		r.Get("/v1/jobs/{id}", h.HandleGetJob)

		r.Get("/v1/admin/status", h.HandleAdminStatus)
		r.Get("/v1/admin/providers", h.HandleAdminProviders)
		r.Get("/v1/admin/costs", h.HandleAdminCosts)
		r.Get("/v1/admin/health", h.HandleAdminHealth)
		r.Post("/v1/admin/budget/reset", h.HandleAdminBudgetReset)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streaming responses
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		log.Printf("main: listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("main: server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("main: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("main: shutdown: %v", err)
		os.Exit(1)
	}
}
