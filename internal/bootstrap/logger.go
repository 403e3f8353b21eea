package bootstrap

import (
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/logging"
)

// InitLogger builds the process logger tagged with the configured symbol
func InitLogger(cfg *config.Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}
	return logger.WithField("symbol", cfg.App.Symbol), nil
}
