package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"execution_core/internal/config"

	"github.com/joho/godotenv"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig reads .env (when present) and delegates to the config loader
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Store.Type == "sqlite" {
		dir := filepath.Dir(cfg.Store.Path)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("store directory not found: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("store path parent is not a directory: %s", dir)
		}
	}

	return nil
}
