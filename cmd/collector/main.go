package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/apitrail/internal/collector"
	"github.com/xela07ax/apitrail/internal/infra"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// 1. Инициализация ресурсов
	cfg, err := infra.LoadCollectorConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger, cfg.Telemetry.DeveloperMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// 2. Настройка роутера
	h := collector.NewHandler(cfg.Collector.APIKey, logger)
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/", h.Routes())

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Collector.Addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("collector started", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal("collector stopped", zap.Error(err))
	}
}
