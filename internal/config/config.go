// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Geo        GeoConfig        `yaml:"geo"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type PipelineConfig struct {
	Workers         int           `yaml:"workers"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	ReverifyAfter   time.Duration `yaml:"reverify_after"`
	ProbeAfter      time.Duration `yaml:"probe_after"`
	TargetPort      int           `yaml:"target_port"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	RelayTimeout    time.Duration `yaml:"relay_timeout"`
	QueueSize       int           `yaml:"queue_size"`
	ProbeBodyLimit  int           `yaml:"probe_body_limit"`
	SchedulerPaused bool          `yaml:"scheduler_paused"`
}

type GeoConfig struct {
	Providers       []string      `yaml:"providers"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
}

type DiscoveryConfig struct {
	Query     string `yaml:"query"`
	Limit     int    `yaml:"limit"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	setDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied, used when no
// config file is present.
func Default() *Config {
	config := &Config{}
	setDefaults(config)
	return config
}

func setDefaults(config *Config) {
	if config.Server.Port == "" {
		config.Server.Port = ":8080"
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 30 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 30 * time.Second
	}

	if config.Database.Path == "" {
		config.Database.Path = "data/darn.db"
	}

	if config.Pipeline.Workers == 0 {
		config.Pipeline.Workers = 8
	}
	if config.Pipeline.TickInterval == 0 {
		config.Pipeline.TickInterval = 30 * time.Second
	}
	if config.Pipeline.ReverifyAfter == 0 {
		config.Pipeline.ReverifyAfter = 5 * time.Minute
	}
	if config.Pipeline.ProbeAfter == 0 {
		config.Pipeline.ProbeAfter = 30 * time.Second
	}
	if config.Pipeline.TargetPort == 0 {
		config.Pipeline.TargetPort = 11434
	}
	if config.Pipeline.VerifyTimeout == 0 {
		config.Pipeline.VerifyTimeout = 1500 * time.Millisecond
	}
	if config.Pipeline.ProbeTimeout == 0 {
		config.Pipeline.ProbeTimeout = 5 * time.Second
	}
	if config.Pipeline.RelayTimeout == 0 {
		config.Pipeline.RelayTimeout = 30 * time.Second
	}
	if config.Pipeline.QueueSize == 0 {
		config.Pipeline.QueueSize = 1000
	}
	if config.Pipeline.ProbeBodyLimit == 0 {
		config.Pipeline.ProbeBodyLimit = 512
	}

	if len(config.Geo.Providers) == 0 {
		config.Geo.Providers = []string{"ip-api", "ipwhois", "ipinfo"}
	}
	if config.Geo.ProviderTimeout == 0 {
		config.Geo.ProviderTimeout = 2 * time.Second
	}

	if config.Discovery.Query == "" {
		config.Discovery.Query = "ollama is running"
	}
	if config.Discovery.Limit == 0 {
		config.Discovery.Limit = 500
	}
	if config.Discovery.APIKeyEnv == "" {
		config.Discovery.APIKeyEnv = "SHODAN_API_KEY"
	}

	if config.Prometheus.MetricsPath == "" {
		config.Prometheus.MetricsPath = "/metrics"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
}

func validate(config *Config) error {
	if config.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be at least 1")
	}
	if config.Pipeline.VerifyTimeout > config.Pipeline.ProbeTimeout {
		return fmt.Errorf("verify_timeout must not exceed probe_timeout")
	}
	if config.Pipeline.ProbeTimeout > config.Pipeline.RelayTimeout {
		return fmt.Errorf("probe_timeout must not exceed relay_timeout")
	}
	if config.Pipeline.TargetPort < 1 || config.Pipeline.TargetPort > 65535 {
		return fmt.Errorf("target_port out of range: %d", config.Pipeline.TargetPort)
	}
	for _, name := range config.Geo.Providers {
		switch name {
		case "ip-api", "ipwhois", "ipinfo":
		default:
			return fmt.Errorf("unknown geo provider: %s", name)
		}
	}
	return nil
}
