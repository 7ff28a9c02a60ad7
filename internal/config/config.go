package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Engine    EngineConfig    `yaml:"engine"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Events    EventsConfig    `yaml:"events"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TransportConfig struct {
	// Mode selects the operation surface: "http" (JSON-RPC), "mcp"
	// (streamable HTTP MCP), or "stdio" (MCP over stdio).
	Mode string `yaml:"mode"`
}

type EngineConfig struct {
	// BucketGranularity sets the capacity index bucket width.
	BucketGranularity Duration `yaml:"bucket_granularity"`
}

type CatalogConfig struct {
	// TTL bounds how long a catalog snapshot is trusted before refresh.
	TTL Duration `yaml:"ttl"`
	// Resources is the static upstream catalog. In deployments with an
	// external system of record this section stays empty and the
	// adapter is wired in code.
	Resources []ResourceEntry `yaml:"resources"`
}

type ResourceEntry struct {
	ID           string `yaml:"id"`
	Category     string `yaml:"category"`
	BaseCapacity int    `yaml:"base_capacity"`
	Active       bool   `yaml:"active"`
}

type EventsConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	DeliveryTimeout Duration `yaml:"delivery_timeout"`
	BatchSize       int      `yaml:"batch_size"`
}

type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// Tokens maps bearer tokens to actor identities. Stands in for an
	// external identity provider.
	Tokens map[string]string `yaml:"tokens"`
}

// Duration wraps time.Duration for YAML parsing ("24h", "90s", ...).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		DB: DBConfig{
			Path: "capalloc.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Transport: TransportConfig{
			Mode: "http",
		},
		Engine: EngineConfig{
			BucketGranularity: Duration(24 * time.Hour),
		},
		Catalog: CatalogConfig{
			TTL: Duration(5 * time.Minute),
		},
		Events: EventsConfig{
			PollInterval:    Duration(time.Second),
			DeliveryTimeout: Duration(5 * time.Second),
			BatchSize:       100,
		},
	}

	if path := os.Getenv("CAPALLOC_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if host := os.Getenv("CAPALLOC_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("CAPALLOC_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CAPALLOC_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if dbPath := os.Getenv("CAPALLOC_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("CAPALLOC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if mode := os.Getenv("CAPALLOC_TRANSPORT_MODE"); mode != "" {
		cfg.Transport.Mode = mode
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
