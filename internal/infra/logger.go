package infra

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger собирает zap логгер. В developer mode диагностика идет в stdout
// человекочитаемым форматом с уровнем debug.
func NewLogger(cfg LoggerConfig, developerMode bool) (*zap.Logger, error) {
	var zc zap.Config
	if developerMode {
		zc = zap.NewDevelopmentConfig()
		zc.OutputPaths = []string{"stdout"}
	} else {
		zc = zap.NewProductionConfig()
		if cfg.Level != "" {
			lvl, err := zap.ParseAtomicLevel(cfg.Level)
			if err != nil {
				return nil, fmt.Errorf("parse log level: %w", err)
			}
			zc.Level = lvl
		}
		if cfg.Format == "console" {
			zc.Encoding = "console"
		}
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
