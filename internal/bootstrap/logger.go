package bootstrap

import (
	"execution_core/internal/core"
	"execution_core/pkg/logging"
)

// InitLogger builds the zap logger from configuration and installs it globally
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.New(logging.Options{
		Level:   cfg.System.LogLevel,
		Service: cfg.App.Name,
		JSON:    cfg.System.LogJSON,
	})
	if err != nil {
		return nil, err
	}

	l := logger.WithFields(map[string]interface{}{
		"app":  cfg.App.Name,
		"mode": cfg.App.Mode,
	})
	logging.SetGlobalLogger(l)
	return l, nil
}
