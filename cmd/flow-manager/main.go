// cmd/flow-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"adhesion-flow/internal/common/config"
	"adhesion-flow/internal/common/database"
	httpclient "adhesion-flow/internal/common/http"
	"adhesion-flow/internal/common/logger"
	"adhesion-flow/internal/common/observability"
	"adhesion-flow/internal/flow"
	"adhesion-flow/internal/flow/audit"
	"adhesion-flow/internal/flow/remote"
	"adhesion-flow/internal/flow/session"
	"adhesion-flow/internal/server"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting flow manager...",
		zap.String("environment", cfg.App.Environment),
		zap.String("preset", cfg.Flow.Preset),
	)

	obs := observability.New("flow-manager")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Resolve the flow variant ---
	flowCfg, err := flow.Preset(cfg.Flow.Preset)
	if err != nil {
		zapLog.Fatal("unknown flow preset", zap.Error(err))
	}
	if len(cfg.Flow.Steps) > 0 {
		steps := make([]flow.Step, 0, len(cfg.Flow.Steps))
		for _, n := range cfg.Flow.Steps {
			step, err := flow.ParseStep(n)
			if err != nil {
				zapLog.Fatal("invalid step in flow.steps", zap.Error(err))
			}
			steps = append(steps, step)
		}
		flowCfg.Steps = steps
	}
	if cfg.Flow.DocumentType != "" {
		flowCfg.DocumentType = flow.DocumentType(cfg.Flow.DocumentType)
	}
	if err := flowCfg.Validate(); err != nil {
		zapLog.Fatal("invalid flow configuration", zap.Error(err))
	}

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Wire the flow components ---
	backend := remote.NewAPI(
		cfg.Adhesion.BaseURL,
		httpclient.NewClient(time.Duration(cfg.Adhesion.Timeout)*time.Millisecond),
		log,
	)
	sessions := session.NewRedisStore(
		rdb.GetClient(),
		time.Duration(cfg.Session.TTLMinutes)*time.Minute,
		log,
	)
	trail := audit.NewTrail(pg, log)

	srv := server.New(server.Options{
		Config:                flowCfg,
		Operations:            backend,
		Sessions:              sessions,
		Audit:                 trail,
		Obs:                   obs,
		Logger:                log,
		ResendCooldownSeconds: cfg.Flow.ResendCooldownSeconds,
	})

	// --- Health & Metrics Server ---
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		zapLog.Info("Health/Metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- API Server ---
	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		zapLog.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("API server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down API server", zap.Error(err))
	}

	zapLog.Info("Flow manager stopped gracefully")
}
