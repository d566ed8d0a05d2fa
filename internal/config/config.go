// Package config loads server configuration from a YAML file with
// environment overrides. A .env file, if present, is folded into the
// environment first.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/studycircle/chat-backend/internal/storage"
)

type Member struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

type Group struct {
	ID      string   `yaml:"id"`
	Members []Member `yaml:"members"`
}

type Storage struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Config struct {
	ListenAddr     string  `yaml:"listen_addr"`
	MetricsAddr    string  `yaml:"metrics_addr"`
	AllowedOrigins string  `yaml:"allowed_origins"`
	Storage        Storage `yaml:"storage"`
	Groups         []Group `yaml:"groups"`
}

// Load reads the YAML file at path (skipped when empty or missing), then
// applies environment overrides and defaults.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	overrideString(&cfg.ListenAddr, "LISTEN_ADDR")
	overrideString(&cfg.MetricsAddr, "METRICS_ADDR")
	overrideString(&cfg.AllowedOrigins, "ALLOWED_ORIGINS")
	overrideString(&cfg.Storage.Endpoint, "S3_ENDPOINT")
	overrideString(&cfg.Storage.Region, "S3_REGION")
	overrideString(&cfg.Storage.Bucket, "S3_BUCKET")
	overrideString(&cfg.Storage.AccessKey, "S3_ACCESS_KEY")
	overrideString(&cfg.Storage.SecretKey, "S3_SECRET_KEY")
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid S3_USE_SSL: %w", err)
		}
		cfg.Storage.UseSSL = b
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9091"
	}
	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = "*"
	}

	return cfg, nil
}

// StorageConfig maps the storage section onto the object store's config.
// StorageConfigured reports whether enough of it is set to try.
func (c Config) StorageConfig() storage.Config {
	return storage.Config{
		Endpoint:  c.Storage.Endpoint,
		Region:    c.Storage.Region,
		Bucket:    c.Storage.Bucket,
		AccessKey: c.Storage.AccessKey,
		SecretKey: c.Storage.SecretKey,
		UseSSL:    c.Storage.UseSSL,
	}
}

func (c Config) StorageConfigured() bool {
	return c.Storage.Endpoint != "" && c.Storage.Bucket != ""
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
