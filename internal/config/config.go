// Package config loads the optional YAML client configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// UploadHost mirrors one custom upload host entry.
type UploadHost struct {
	Hostname         string `yaml:"hostname"`
	MaxContentLength int64  `yaml:"maxContentLength"`
}

// Config is the on-disk client configuration.
type Config struct {
	Origin               string       `yaml:"origin"`
	CustomUploadHosts    []UploadHost `yaml:"customUploadHosts"`
	UploadTimeoutSeconds int          `yaml:"uploadTimeoutSeconds"`
	CachePath            string       `yaml:"cachePath"`
	TempDir              string       `yaml:"tempDir"`
}

// UploadTimeout returns the per-host upload bound as a duration.
func (c Config) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSeconds) * time.Second
}

// Load reads and defaults a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if config.UploadTimeoutSeconds == 0 {
		config.UploadTimeoutSeconds = 30
	}

	return config, nil
}
