package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/apitrail/internal/capture"
	"github.com/xela07ax/apitrail/internal/delivery"
	"github.com/xela07ax/apitrail/internal/infra"
	"github.com/xela07ax/apitrail/internal/pipeline"
	"github.com/xela07ax/apitrail/internal/repository/postgres"
	"github.com/xela07ax/apitrail/internal/repository/redisstream"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	// 1. Конфиг и логгер
	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger, cfg.Telemetry.DeveloperMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pipeline.NewMetrics(reg)

	// 3. Sink + Circuit Breaker
	sink, closeSink, err := buildDeliverer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to init sink", zap.String("kind", cfg.Sink.Kind), zap.Error(err))
	}
	defer closeSink()

	if cfg.Breaker.Enabled {
		sink = delivery.NewBreaker(sink, delivery.BreakerSettings{
			Name:                cfg.Sink.Kind,
			MaxRequests:         cfg.Breaker.MaxRequests,
			Interval:            cfg.Breaker.Interval,
			Timeout:             cfg.Breaker.Timeout,
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		}, metrics, logger)
	}

	// 4. Конвейер: буфер, координатор, таймер
	coord := pipeline.NewCoordinator(sink, pipeline.Options{
		FlushSize:        cfg.Telemetry.FlushSize,
		MaxBufferSize:    cfg.Telemetry.MaxBufferSize,
		SendTimeout:      cfg.Telemetry.SendTimeout,
		ShutdownAttempts: cfg.Telemetry.ShutdownAttempts,
	}, logger, metrics)

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := pipeline.NewScheduler(coord, cfg.Telemetry.Interval(), logger)
	if err := sched.Start(appCtx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	// 5. HTTP Server. /metrics не захватывается
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	r.Group(func(r chi.Router) {
		r.Use(capture.TracingMiddleware)
		r.Use(capture.Middleware(cfg.Telemetry.ServiceName, coord,
			capture.WithMaxBodyBytes(cfg.Telemetry.MaxBodyBytes),
			capture.WithRedactedHeaders(cfg.Telemetry.RedactHeaders...),
			capture.WithLogger(logger),
		))
		mountDemoRoutes(r)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("demo server started",
			zap.String("addr", srv.Addr),
			zap.String("sink", cfg.Sink.Kind),
			zap.Duration("flush_interval", cfg.Telemetry.Interval()),
			zap.Int("flush_size", cfg.Telemetry.FlushSize),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("demo server stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Порядок: сначала перестаем принимать запросы, потом таймер, потом финальный сброс
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	sched.Stop()
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
	}
	logger.Info("demo server exited properly")
}

// buildDeliverer выбирает sink по sink.kind. closeFn освобождает соединения.
func buildDeliverer(cfg *infra.Config, logger *zap.Logger) (pipeline.Deliverer, func(), error) {
	noop := func() {}

	switch cfg.Sink.Kind {
	case infra.SinkHTTP:
		d := delivery.NewHTTPDeliverer(delivery.HTTPConfig{
			BaseURL:       cfg.Telemetry.BaseURL,
			APIKey:        cfg.Telemetry.APIKey,
			DeveloperMode: cfg.Telemetry.DeveloperMode,
			Compress:      cfg.Telemetry.Compress,
		}, delivery.NewHTTPClient(), logger)
		logger.Info("http sink configured", zap.String("endpoint", d.Endpoint()))
		return d, noop, nil

	case infra.SinkPostgres:
		repo, err := postgres.NewRecordRepo(cfg.Database.URL)
		if err != nil {
			return nil, noop, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			repo.Close()
			return nil, noop, fmt.Errorf("database unreachable: %w", err)
		}
		if cfg.Database.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				repo.Close()
				return nil, noop, fmt.Errorf("migrate: %w", err)
			}
		}
		return repo, func() { _ = repo.Close() }, nil

	case infra.SinkRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, noop, fmt.Errorf("redis unreachable: %w", err)
		}
		s := redisstream.NewSink(rdb, cfg.Sink.RedisStream, infra.RedisStreamMaxLen)
		logger.Info("redis sink configured", zap.String("stream", s.Stream()))
		return s, func() { _ = rdb.Close() }, nil
	}

	return nil, noop, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
}

// mountDemoRoutes — небольшой API, на котором видно работу захвата
func mountDemoRoutes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/users/{userID}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"id":       chi.URLParam(r, "userID"),
			"trace_id": capture.TraceID(r.Context()),
		})
	})

	r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
		var order map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order"})
			return
		}
		writeJSON(w, http.StatusCreated, order)
	})

	r.Get("/orders/{orderID}/items/{itemID}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"order": chi.URLParam(r, "orderID"),
			"item":  chi.URLParam(r, "itemID"),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
