// AppForge orchestration service entrypoint. Wires the shared stores, the
// admission stack (rate limiter, circuit breaker, job queue), the sandbox
// lifecycle manager, and the agent pipeline under one HTTP server with a
// scheduled queue sweep.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"appforge/internal/agents"
	"appforge/internal/api"
	"appforge/internal/auth"
	"appforge/internal/breaker"
	"appforge/internal/config"
	"appforge/internal/db"
	"appforge/internal/jobs"
	"appforge/internal/llm"
	"appforge/internal/logging"
	"appforge/internal/ratelimit"
	"appforge/internal/sandbox"
	"appforge/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			fmt.Println("No .env file found, using environment variables")
		}
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.Load()
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.New(cfg.Database)
	if err != nil {
		log.Fatal("Database connection failed", zap.Error(err))
	}

	redisClient, err := db.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal("Redis connection failed", zap.Error(err))
	}
	defer redisClient.Close()

	// Admission stack. Counters and breaker state live in Redis so every
	// replica of the stateless serving tier shares one view.
	limiter := ratelimit.New(
		ratelimit.NewRedisStore(redisClient),
		cfg.RateLimit.Window,
		cfg.RateLimit.Limits(),
		cfg.RateLimit.SandboxCommand,
	)
	brk := breaker.New(
		breaker.NewRedisStore(redisClient, "sandbox"),
		breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
			MaxCooldown:      cfg.Breaker.MaxCooldown,
			ProbeTTL:         cfg.Breaker.ProbeTTL,
		},
	)

	queue := jobs.New(database.DB, limiter, brk, cfg.Jobs.MaxAttempts)
	dispatcher := jobs.NewDispatcher()
	queue.SetExecutor(dispatcher)

	var svc sandbox.Service
	switch cfg.Sandbox.Driver {
	case "docker":
		svc, err = sandbox.NewDockerService(cfg.Sandbox)
	default:
		svc, err = sandbox.NewRemoteService(cfg.Sandbox)
	}
	if err != nil {
		log.Fatal("Sandbox driver init failed", zap.String("driver", cfg.Sandbox.Driver), zap.Error(err))
	}

	manager := sandbox.NewManager(database.DB, svc, limiter, brk, queue, cfg.Sandbox)
	manager.RegisterJobHandler(dispatcher)

	bus := telemetry.NewBus()

	archiver, err := telemetry.NewArchiver(context.Background(), cfg.Audit)
	if err != nil {
		log.Warn("Validation report archiver disabled", zap.Error(err))
	}

	generator := llm.NewClient(cfg.LLM)
	runner := agents.NewRunner(database.DB, generator, manager, limiter, queue, bus, archiver, cfg.Agents)
	runner.RegisterJobHandler(dispatcher)

	// Periodic sweep replays deferred jobs as admission frees up.
	scheduler := cron.New()
	interval := cfg.Jobs.SweepInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if n, err := queue.Sweep(ctx); err != nil {
			log.Error("Job sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("Job sweep completed", zap.Int("processed", n))
		}
	})
	if err != nil {
		log.Fatal("Sweep scheduling failed", zap.Error(err))
	}
	scheduler.Start()

	var authenticator auth.Authenticator = auth.NewJWTAuthenticator(cfg.Auth.JWTSecret)
	if cfg.Auth.Disabled {
		log.Warn("Authentication disabled; all requests run as the dev user")
		authenticator = auth.NoopAuthenticator{}
	}

	healthy := func(ctx context.Context) error {
		if !database.Healthy() {
			return errors.New("database unreachable")
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		return nil
	}

	handler := api.NewHandler(runner, manager, queue, limiter, brk, bus, healthy)
	router := api.NewRouter(handler, authenticator)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("AppForge orchestration service listening",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("sandbox_driver", cfg.Sandbox.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down", zap.String("signal", sig.String()))

	// In-flight requests get a grace period; the sweep stops scheduling new
	// passes but a running pass finishes under its own context.
	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown incomplete", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
