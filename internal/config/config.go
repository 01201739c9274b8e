// Package config resolves the process configuration from defaults, an
// optional YAML file and the environment, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the static process configuration. Everything tunable at
// runtime (cameras, detection, cleanup thresholds) lives in the store
// instead.
type Config struct {
	DBPath      string `yaml:"db_path"`
	WebPath     string `yaml:"web_path"`
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DetectorDir string `yaml:"detector_dir"`
}

// Load builds the configuration. The YAML file named by NVRD_CONFIG is
// applied over the defaults, then individual environment variables win.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:   "./mydb",
		Port:     8080,
		LogLevel: "info",
	}

	if path := os.Getenv("NVRD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if v := os.Getenv("DBPATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEBPATH"); v != "" {
		cfg.WebPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.DetectorDir == "" {
		// The detector worker lives next to the binary's working dir.
		pwd := os.Getenv("PWD")
		if pwd == "" {
			pwd, _ = os.Getwd()
		}
		cfg.DetectorDir = filepath.Join(pwd, "ai")
	}

	return cfg, nil
}
