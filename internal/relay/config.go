package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay's configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Proxy  ProxyConfig  `yaml:"proxy"`
	TLS    TLSConfig    `yaml:"tls"`
}

// ServerConfig specifies the Server's tunnel address to dial.
type ServerConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProxyConfig controls routing the outbound connection to the Server
// through an upstream proxy.
type ProxyConfig struct {
	URL           string        `yaml:"url"`
	VerifyRouting bool          `yaml:"verify_routing"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

// TLSConfig controls whether the tunnel transport is TLS-wrapped.
type TLSConfig struct {
	Enabled            bool `yaml:"enabled"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// LoadConfig reads and parses a relay configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Server: ServerConfig{Timeout: 10 * time.Second},
		Proxy: ProxyConfig{
			VerifyRouting: true,
			HealthTimeout: 10 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Server.Addr == "" {
		return nil, fmt.Errorf("server.addr is required")
	}
	return cfg, nil
}
