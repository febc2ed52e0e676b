// Package config provides configuration management for the neighbourhood
// server: a YAML file with environment substitution, or the legacy
// positional argument form.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfig is returned for invalid or incomplete configuration
var ErrConfig = errors.New("invalid configuration")

// Config is the top-level server configuration
type Config struct {
	// Listen is this server's own URL (host:port), bound locally and
	// advertised to peers
	Listen string `yaml:"listen"`

	Identity   IdentityConfig    `yaml:"identity"`
	Neighbours []NeighbourConfig `yaml:"neighbours"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Health     HealthConfig      `yaml:"health"`
}

// IdentityConfig locates the server's identity key material
type IdentityConfig struct {
	// PrivateKeyFile is a PEM PKCS#8 RSA private key. When empty an
	// ephemeral identity is generated at startup.
	PrivateKeyFile string `yaml:"private_key_file"`
}

// NeighbourConfig is one entry of the static neighbour list
type NeighbourConfig struct {
	URL string `yaml:"url"`

	// PublicKeyFile is the peer's identity public key (PEM SPKI) used
	// to verify its signed envelopes. Optional; envelopes from a peer
	// without a configured key are accepted unverified.
	PublicKeyFile string `yaml:"public_key_file"`
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig controls the Prometheus exposition endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the health check endpoint
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Load reads a YAML config file, substituting ${VAR} and ${VAR:default}
// references from the environment. A .env file next to the process is
// honoured when present.
func Load(path string) (*Config, error) {
	// Best effort; deployments without a .env file are fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfig, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(SubstituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %v", ErrConfig, err)
	}

	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromArgs builds a Config from the legacy positional form:
// <server_url> <num_neighbours> <url_1> ... <url_N>
func FromArgs(args []string) (*Config, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: expected <server_url> <num_neighbours> [urls...]", ErrConfig)
	}

	numNeighbours, err := strconv.Atoi(args[1])
	if err != nil || numNeighbours < 0 {
		return nil, fmt.Errorf("%w: bad neighbour count %q", ErrConfig, args[1])
	}
	if len(args) < 2+numNeighbours {
		return nil, fmt.Errorf("%w: expected %d neighbour urls, got %d",
			ErrConfig, numNeighbours, len(args)-2)
	}

	cfg := &Config{Listen: args[0]}
	for _, url := range args[2 : 2+numNeighbours] {
		cfg.Neighbours = append(cfg.Neighbours, NeighbourConfig{URL: url})
	}
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for startup-fatal problems
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is required", ErrConfig)
	}
	seen := make(map[string]bool, len(c.Neighbours))
	for _, nb := range c.Neighbours {
		if nb.URL == "" {
			return fmt.Errorf("%w: neighbour with empty url", ErrConfig)
		}
		if nb.URL == c.Listen {
			return fmt.Errorf("%w: server cannot neighbour itself", ErrConfig)
		}
		if seen[nb.URL] {
			return fmt.Errorf("%w: duplicate neighbour %s", ErrConfig, nb.URL)
		}
		seen[nb.URL] = true
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/healthz"
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8088
	}
}
