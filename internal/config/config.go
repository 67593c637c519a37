package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        string   `yaml:"port"`
		CORSOrigins []string `yaml:"corsOrigins"`
	} `yaml:"server"`
	Backend struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"backend"`
	Bus struct {
		// Driver is one of memory, redis or nats.
		Driver string `yaml:"driver"`
		Redis  struct {
			Addr         string `yaml:"addr"`
			Password     string `yaml:"password"`
			DB           int    `yaml:"db"`
			TTL          string `yaml:"ttl"`
			PingInterval string `yaml:"pingInterval"`
		} `yaml:"redis"`
		NATS struct {
			URL           string `yaml:"url"`
			Name          string `yaml:"name"`
			MaxReconnects int    `yaml:"maxReconnects"`
			ReconnectWait string `yaml:"reconnectWait"`
		} `yaml:"nats"`
	} `yaml:"bus"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Local struct {
		// Driver is one of file, redis or memory.
		Driver   string `yaml:"driver"`
		Path     string `yaml:"path"`
		ClientID string `yaml:"clientId"`
	} `yaml:"local"`
	Timer struct {
		Interval string `yaml:"interval"`
	} `yaml:"timer"`
	Quiz struct {
		TTL              string `yaml:"ttl"`
		Dir              string `yaml:"dir"`
		EmitSessionEnded *bool  `yaml:"emitSessionEnded"`
	} `yaml:"quiz"`
	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	cfg := Config{}
	cfg.Server.Port = "8080"
	cfg.Backend.Timeout = "10s"
	cfg.Bus.Driver = "memory"
	cfg.Bus.Redis.TTL = "10m"
	cfg.Bus.NATS.URL = "nats://localhost:4222"
	cfg.Bus.NATS.MaxReconnects = -1
	cfg.Local.Driver = "file"
	cfg.Local.Path = ".quizsync/identity.yaml"
	cfg.Timer.Interval = "1s"
	cfg.Quiz.TTL = "10m"
	cfg.Log.Level = "info"
	cfg.Log.Console = true
	return cfg
}

// Load reads YAML config from path on top of Default and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from PORT, BACKEND_URL, BUS_DRIVER, REDIS_ADDR,
// NATS_URL and DATABASE_URL when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("BUS_DRIVER"); v != "" {
		c.Bus.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Bus.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Bus.NATS.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
}

// SessionEndedEnabled reports whether the host announces session end. It defaults to true.
func (c Config) SessionEndedEnabled() bool {
	return c.Quiz.EmitSessionEnded == nil || *c.Quiz.EmitSessionEnded
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
