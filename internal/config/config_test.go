package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	mutate := map[string]func(*Config){
		"empty key file":       func(c *Config) { c.Identity.KeyFile = " " },
		"empty store dir":      func(c *Config) { c.Store.Dir = "" },
		"bad listen port":      func(c *Config) { c.P2P.ListenPort = 70000 },
		"zero timeout":         func(c *Config) { c.Dispatch.ResponseTimeoutSec = 0 },
		"no ice servers":       func(c *Config) { c.Call.ICEServers = nil },
		"ice server no urls":   func(c *Config) { c.Call.ICEServers = []ICEServer{{}} },
		"zero attempts":        func(c *Config) { c.Call.MaxReconnectAttempts = 0 },
		"backoff length":       func(c *Config) { c.Call.ReconnectBackoffSec = []int{1, 2} },
		"zero backoff entry":   func(c *Config) { c.Call.ReconnectBackoffSec = []int{1, 2, 4, 8, 0} },
		"failed <= disc":       func(c *Config) { c.Call.FailedTimeoutSec = c.Call.DisconnectedTimeoutSec },
		"empty http addr":      func(c *Config) { c.HTTP.Addr = "" },
	}
	for name, fn := range mutate {
		cfg := Default()
		fn(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.json")

	cfg := Default()
	cfg.Dispatch.ResponseTimeoutSec = 45
	cfg.HTTP.Addr = "127.0.0.1:9999"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg, got) {
		t.Fatalf("round trip mismatch:\nsaved  %+v\nloaded %+v", cfg, got)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"dispatch":{"response_timeout_seconds":12}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load with BOM: %v", err)
	}
	if cfg.Dispatch.ResponseTimeoutSec != 12 {
		t.Fatalf("override lost: %+v", cfg.Dispatch)
	}
	// Fields absent from the file keep their defaults.
	if cfg.HTTP.Addr != Default().HTTP.Addr {
		t.Fatalf("default lost: %+v", cfg.HTTP)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.json")
	if err := os.WriteFile(path, []byte(`{"http":{"addr":""}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid config loaded")
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first call")
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("first ensure should yield defaults, got %+v", cfg)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatal("expected created=false on second call")
	}
	if !reflect.DeepEqual(cfg, cfg2) {
		t.Fatal("second ensure changed the config")
	}
}
