// Command guardagentd is the standalone process form of the agent: the
// same *agent.Handler a host middleware would embed in-process, wired
// up with its own config file, Prometheus exporter, and optional admin
// API, for deployments that want the agent as a sidecar rather than a
// library. Follows the usual infra-assembly-then-signal-wait structure:
// load config, build collaborators, start, block on a signal, shut
// down in reverse order.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fastapi-guard/guard-agent-go/internal/adminapi"
	"github.com/fastapi-guard/guard-agent-go/internal/agent"
	"github.com/fastapi-guard/guard-agent-go/internal/config"
	"github.com/fastapi-guard/guard-agent-go/internal/metrics"
	"github.com/fastapi-guard/guard-agent-go/internal/sink"
	"github.com/fastapi-guard/guard-agent-go/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("guard-agent: loading config: %v", err)
	}

	logger, err := buildLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("guard-agent: building logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	agentMetrics := metrics.New(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	var complianceSink sink.Writer
	if cfg.Sink.PostgresURL != "" {
		pgSink, err := sink.NewPostgresSink(cfg.Sink.PostgresURL)
		if err != nil {
			logger.Fatal("compliance sink init failed", zap.Error(err))
		}
		defer pgSink.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pgSink.EnsureSchema(ctx); err != nil {
			logger.Fatal("compliance sink schema init failed", zap.Error(err))
		}
		cancel()
		complianceSink = pgSink
	}

	h, err := agent.Agent(cfg.ToAgentConfig(), agent.Options{
		Logger:  logger,
		Metrics: agentMetrics,
		Sink:    complianceSink,
	})
	if err != nil {
		logger.Fatal("guard-agent: constructing handler", zap.Error(err))
	}

	if durableStore := buildStore(cfg.Store, logger); durableStore != nil {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		h.InitializeStore(initCtx, durableStore)
		cancel()
	}

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(appCtx); err != nil {
		logger.Fatal("guard-agent: starting handler", zap.Error(err))
	}

	var adminSrv *http.Server
	if cfg.AdminAPI.Enabled {
		api, err := adminapi.New(cfg.AdminAPI, h, logger)
		if err != nil {
			logger.Fatal("guard-agent: starting admin API", zap.Error(err))
		}
		adminSrv = &http.Server{Addr: cfg.AdminAPI.Addr, Handler: api}
		go func() {
			logger.Info("admin API listening", zap.String("addr", cfg.AdminAPI.Addr))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("admin API server failed", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("guard-agent started")
	<-stop
	logger.Info("guard-agent stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin API shutdown failed", zap.Error(err))
		}
	}
	if err := h.Stop(shutdownCtx); err != nil {
		logger.Warn("guard-agent handler stop failed", zap.Error(err))
	}
	logger.Info("guard-agent exited")
}

func buildLogger(cfg config.LoggerSection) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

// buildStore wires the overflow store selected by cfg.Backend. A blank
// backend keeps the agent memory-only — the durable store is entirely
// optional. Connection failures are logged but not fatal: the buffer
// degrades to drop-oldest without one.
func buildStore(cfg config.StoreSection, logger *zap.Logger) store.Store {
	switch cfg.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis overflow store unreachable, continuing memory-only", zap.Error(err))
			return nil
		}
		return store.NewRedisStore(rdb, cfg.RedisNamespace, logger)

	case "postgres":
		pg, err := store.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			logger.Warn("postgres overflow store unreachable, continuing memory-only", zap.Error(err))
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Warn("postgres overflow store schema init failed, continuing memory-only", zap.Error(err))
			return nil
		}
		return pg

	default:
		return nil
	}
}
