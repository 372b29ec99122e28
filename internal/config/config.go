package config

import (
	"fmt"

	"go-model-manager/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// LoadConfig reads the configuration from the specified path (defaulting to
// "config.toml") and populates the models.Config struct with defaults applied
// for anything the file leaves unset.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	_, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	if len(cfg.ModelRoots) == 0 {
		log.Warn("Warning: no ModelRoots configured, downloads and scans have nowhere to go")
	}
	if cfg.DownloadPath == "" {
		cfg.DownloadPath = "downloads"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "model-manager.db"
	}
	ApplyDefaults(&cfg)

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults. Exposed so
// tests can build configs without a file on disk.
func ApplyDefaults(cfg *models.Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ChunkTimeoutSec <= 0 {
		cfg.ChunkTimeoutSec = 30
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ScanCacheTTLSec <= 0 {
		cfg.ScanCacheTTLSec = 300
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8188"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "go-model-manager/1.0"
	}
	if cfg.ApiKeys == nil {
		cfg.ApiKeys = make(map[string]string)
	}
}
