package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	droverrs "github.com/odvcencio/drover/pkg/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Endpoint.DialTimeout != DefaultDialTimeout {
		t.Errorf("DialTimeout = %v, want %v", cfg.Endpoint.DialTimeout, DefaultDialTimeout)
	}
	if cfg.Endpoint.CommandTimeout != DefaultCommandTimeout {
		t.Errorf("CommandTimeout = %v, want %v", cfg.Endpoint.CommandTimeout, DefaultCommandTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %q, want info", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Endpoint.CommandTimeout != DefaultCommandTimeout {
		t.Error("missing file should yield defaults")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	data := `
endpoint:
  url: ws://127.0.0.1:9222/devtools/browser/abc
  command_timeout: 5s
  max_frame_size: 1048576
logging:
  level: debug
  format: json
metrics:
  listen_addr: 127.0.0.1:9464
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Endpoint.URL != "ws://127.0.0.1:9222/devtools/browser/abc" {
		t.Errorf("URL = %q", cfg.Endpoint.URL)
	}
	if cfg.Endpoint.CommandTimeout != 5*time.Second {
		t.Errorf("CommandTimeout = %v, want 5s", cfg.Endpoint.CommandTimeout)
	}
	if cfg.Endpoint.DialTimeout != DefaultDialTimeout {
		t.Error("unset fields keep their defaults")
	}
	if cfg.Endpoint.MaxFrameSize != 1048576 {
		t.Errorf("MaxFrameSize = %d, want 1048576", cfg.Endpoint.MaxFrameSize)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Format = %q", cfg.Logging.Format)
	}
	if cfg.Metrics.ListenAddr != "127.0.0.1:9464" {
		t.Errorf("ListenAddr = %q", cfg.Metrics.ListenAddr)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("endpoint: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load should fail on malformed YAML")
	}
	if !droverrs.IsCode(err, droverrs.ErrCodeConfigLoad) {
		t.Errorf("error code = %v, want CONFIG_LOAD", droverrs.GetCode(err))
	}
}

func TestValidate_RejectsBadScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint.URL = "http://127.0.0.1:9222"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate should reject non-websocket schemes")
	}
	if !droverrs.IsCode(err, droverrs.ErrCodeConfigInvalid) {
		t.Errorf("error code = %v, want CONFIG_INVALID", droverrs.GetCode(err))
	}
}

func TestValidate_RejectsNegativeMaxFrameSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint.MaxFrameSize = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate should reject negative frame size limits")
	}
	if !droverrs.IsCode(err, droverrs.ErrCodeConfigInvalid) {
		t.Errorf("error code = %v, want CONFIG_INVALID", droverrs.GetCode(err))
	}
}

func TestValidate_RejectsBadLogFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "xml"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should reject unknown log formats")
	}
}
