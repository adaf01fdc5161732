package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server's configuration.
type Config struct {
	Tunnel TunnelConfig `yaml:"tunnel"`
	Socks  SocksConfig  `yaml:"socks"`
	TLS    TLSConfig    `yaml:"tls"`
}

// TunnelConfig specifies the address the Relay dials in to.
type TunnelConfig struct {
	Addr           string        `yaml:"addr"`
	AcceptDeadline time.Duration `yaml:"accept_deadline"`
}

// SocksConfig specifies the address local SOCKS5 clients connect to.
type SocksConfig struct {
	Addr string `yaml:"addr"`
}

// TLSConfig controls whether the tunnel transport is TLS-wrapped.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoadConfig reads and parses a server configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Tunnel: TunnelConfig{
			Addr:           ":9000",
			AcceptDeadline: 0,
		},
		Socks: SocksConfig{Addr: ":1080"},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.TLS.Enabled && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return nil, fmt.Errorf("tls.cert_file and tls.key_file are required when tls.enabled is true")
	}
	return cfg, nil
}
