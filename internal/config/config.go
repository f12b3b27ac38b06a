// Package config loads coordinator configuration from an optional YAML file
// with environment variable overrides. Environment wins over file values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Proxy       ProxyConfig       `yaml:"proxy"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Token       TokenConfig       `yaml:"token"`
	Store       StoreConfig       `yaml:"store"`
	Ops         OpsConfig         `yaml:"ops"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
}

type ProxyConfig struct {
	ListenPort int `yaml:"listen_port"`
}

type UpstreamConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the upstream host:port.
func (u UpstreamConfig) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

type TokenConfig struct {
	Secret   string `yaml:"secret"`
	TTLHours int    `yaml:"ttl_hours"`
	File     string `yaml:"file"`
}

type StoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type OpsConfig struct {
	Addr string `yaml:"addr"`
}

type CoordinatorConfig struct {
	PendingRequestsDir string `yaml:"pending_requests_dir"`
}

// Default returns the configuration used when neither file nor environment
// provides a value.
func Default() *Config {
	return &Config{
		Proxy:    ProxyConfig{ListenPort: 6380},
		Upstream: UpstreamConfig{Host: "localhost", Port: 6379},
		Token: TokenConfig{
			TTLHours: 24,
			File:     ".coordinator/redis_communication/token",
		},
		Store: StoreConfig{
			URI:      "mongodb://localhost:27017",
			Database: "coordinator",
		},
		Ops:         OpsConfig{Addr: ":9090"},
		Coordinator: CoordinatorConfig{PendingRequestsDir: "pending_requests"},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error; env-only
// deployments are common.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Token.Secret == "" {
		return nil, fmt.Errorf("config: TOKEN_SECRET is required")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Proxy.ListenPort = p
		}
	}
	if v := os.Getenv("UPSTREAM_HOST"); v != "" {
		c.Upstream.Host = v
	}
	if v := os.Getenv("UPSTREAM_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Upstream.Port = p
		}
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		c.Token.Secret = v
	}
	if v := os.Getenv("TOKEN_TTL_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil {
			c.Token.TTLHours = h
		}
	}
	if v := os.Getenv("STORE_URI"); v != "" {
		c.Store.URI = v
	}
	if v := os.Getenv("STORE_DATABASE"); v != "" {
		c.Store.Database = v
	}
}
