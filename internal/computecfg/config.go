// Package computecfg provides configuration types, loading, and validation
// for the in-sandbox compute daemon.
package computecfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obot-platform/workbench/internal/logging"
)

// Config is the root configuration structure.
type Config struct {
	Control ControlConfig  `yaml:"control" json:"control"`
	Deploy  DeployConfig   `yaml:"deploy" json:"deploy"`
	Env     EnvConfig      `yaml:"env" json:"env"`
	Logging logging.Config `yaml:"logging" json:"logging"`
}

// ControlConfig describes the control-plane endpoint the daemon dials out
// to and how aggressively it reconnects.
type ControlConfig struct {
	// URL is the control-plane WebSocket endpoint, e.g.
	// wss://control.example.com/tunnel.
	URL string `yaml:"url" json:"url"`
	// Token authenticates the sandbox to the control plane.
	Token string `yaml:"token" json:"token"`
	// ReconnectMin and ReconnectMax bound the exponential backoff between
	// dial attempts.
	ReconnectMin time.Duration `yaml:"reconnect_min" json:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max" json:"reconnect_max"`
	// MaxFramePayload is the tunnel's per-frame payload ceiling. It must
	// match the control plane's setting.
	MaxFramePayload int `yaml:"max_frame_payload" json:"max_frame_payload"`
}

// DeployConfig describes where static-file deployments are uploaded.
type DeployConfig struct {
	// UploadURL receives the gzipped tarball as a PUT request. Deployments
	// are disabled when empty.
	UploadURL string `yaml:"upload_url" json:"upload_url"`
	// Token authenticates the upload.
	Token string `yaml:"token" json:"token"`
}

// EnvConfig seeds the default environment applied to every spawned process.
type EnvConfig struct {
	// Vars are explicit key/value defaults.
	Vars map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	// File optionally points at a dotenv file merged under Vars.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Control: ControlConfig{
			ReconnectMin:    time.Second,
			ReconnectMax:    30 * time.Second,
			MaxFramePayload: 256 * 1024,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Control.URL == "" {
		return errors.New("control.url is required")
	}
	if c.Control.ReconnectMin <= 0 || c.Control.ReconnectMax < c.Control.ReconnectMin {
		return errors.New("invalid control reconnect bounds")
	}
	if c.Control.MaxFramePayload < 1024 {
		return errors.New("control.max_frame_payload too small")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
