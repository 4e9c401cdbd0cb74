package computecfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "computed.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
control:
  url: wss://control.example.com/tunnel
  token: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Control.URL != "wss://control.example.com/tunnel" {
		t.Errorf("url = %q", cfg.Control.URL)
	}
	if cfg.Control.ReconnectMin != time.Second || cfg.Control.ReconnectMax != 30*time.Second {
		t.Errorf("reconnect bounds = %v..%v", cfg.Control.ReconnectMin, cfg.Control.ReconnectMax)
	}
	if cfg.Control.MaxFramePayload != 256*1024 {
		t.Errorf("max_frame_payload = %d", cfg.Control.MaxFramePayload)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
control:
  url: wss://control.example.com/tunnel
  token: secret
  reconnect_min: 500ms
  reconnect_max: 10s
  max_frame_payload: 65536
deploy:
  upload_url: https://deploy.example.com/upload
  token: deploy-secret
env:
  vars:
    NODE_ENV: production
  file: /workspace/.env
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Control.ReconnectMin != 500*time.Millisecond || cfg.Control.ReconnectMax != 10*time.Second {
		t.Errorf("reconnect bounds = %v..%v", cfg.Control.ReconnectMin, cfg.Control.ReconnectMax)
	}
	if cfg.Deploy.UploadURL != "https://deploy.example.com/upload" {
		t.Errorf("upload_url = %q", cfg.Deploy.UploadURL)
	}
	if cfg.Env.Vars["NODE_ENV"] != "production" || cfg.Env.File != "/workspace/.env" {
		t.Errorf("env = %+v", cfg.Env)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Control.URL = "wss://control.example.com/tunnel"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(_ *Config) {}, false},
		{"missing url", func(c *Config) { c.Control.URL = "" }, true},
		{"zero reconnect min", func(c *Config) { c.Control.ReconnectMin = 0 }, true},
		{"max below min", func(c *Config) { c.Control.ReconnectMax = c.Control.ReconnectMin / 2 }, true},
		{"tiny frame payload", func(c *Config) { c.Control.MaxFramePayload = 512 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
