package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"keyharvest/obs"
	"keyharvest/ossstore"
	"keyharvest/redislock"
	"keyharvest/run"
	"keyharvest/settings"
	"keyharvest/store"
)

func main() {
	shutdownObs, logger := obs.Init("keyharvest-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Optional: one run per marketplace account across API replicas.
	var lock *redislock.Client
	if redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
			DB:       readEnvIntDefault("REDIS_DB", 0),
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		lock = redislock.New(rdb, readEnvDefault("RUN_LOCK_PREFIX", redislock.DefaultPrefix))
		logger.Info("account lock enabled", "redis", redisAddr)
	}

	var ossSt *ossstore.Store
	if st, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		ossSt = st
		logger.Info("oss store enabled", "bucket", strings.TrimSpace(os.Getenv("OSS_BUCKET")), "prefix", strings.TrimSpace(os.Getenv("OSS_PREFIX")))
	}

	runStore := store.NewInMemoryRunStore(readEnvIntDefault("RUN_KEEP_FINISHED", 50))
	runSvc := run.NewService(runStore, run.Config{
		SettingsPath: readEnvDefault("SETTINGS_FILE", settings.DefaultFile),
		ExportRoot:   readEnvDefault("EXPORT_ROOT", "./exports"),
		Dial:         run.FunPayDialer(os.Getenv("FUNPAY_BASE_URL")),
		Lock:         lock,
		LockTTL:      time.Duration(readEnvIntDefault("RUN_LOCK_TTL_SECONDS", 7200)) * time.Second,
		LockRefresh:  time.Duration(readEnvIntDefault("RUN_LOCK_REFRESH_SECONDS", 30)) * time.Second,
		OSS:          ossSt,
		Logger:       logger,
	})
	runSvc.RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	// Wrap order: cors -> otel/metrics -> mux
	srv := &http.Server{
		Addr:              addr,
		Handler:           corsMiddleware(obs.WrapHTTP("keyharvest-api", mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.Info("keyharvest api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(readEnvIntDefault("SHUTDOWN_TIMEOUT_SECONDS", 20))*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := runSvc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs did not stop in time", "err", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
