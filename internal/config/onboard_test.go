package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadConfig(t *testing.T) {
	d := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.SessionDir = d
	path := filepath.Join(d, "config.json")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Storage.SessionDir != d {
		t.Fatalf("session dir mismatch: got %s want %s", loaded.Storage.SessionDir, d)
	}
	if loaded.Pacing.MinDelayMS != cfg.Pacing.MinDelayMS {
		t.Fatalf("min delay mismatch: got %d want %d", loaded.Pacing.MinDelayMS, cfg.Pacing.MinDelayMS)
	}
}

func TestDefaultConfig_Pacing(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Pacing.MaxMessagesPerDay <= 0 {
		t.Error("MaxMessagesPerDay should be positive by default")
	}
	if cfg.Pacing.MinDelayMS >= cfg.Pacing.MaxDelayMS {
		t.Error("MinDelayMS should be less than MaxDelayMS")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	d := t.TempDir()
	cfg := DefaultConfig()
	path := filepath.Join(d, "config.json")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	t.Setenv("MAX_MESSAGES_PER_DAY", "77")
	t.Setenv("API_KEY", "test-key-123")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("WORKER_1_URL", "http://worker-1:8081")
	t.Setenv("WORKER_2_URL", "http://worker-2:8081")

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Pacing.MaxMessagesPerDay != 77 {
		t.Errorf("MaxMessagesPerDay = %d, want 77", loaded.Pacing.MaxMessagesPerDay)
	}
	if loaded.Ingress.APIKey != "test-key-123" {
		t.Errorf("APIKey = %q, want test-key-123", loaded.Ingress.APIKey)
	}
	if loaded.Workers.Count != 2 {
		t.Fatalf("Workers.Count = %d, want 2", loaded.Workers.Count)
	}
	want := []string{"http://worker-1:8081", "http://worker-2:8081"}
	for i, w := range want {
		if loaded.Workers.URLs[i] != w {
			t.Errorf("Workers.URLs[%d] = %q, want %q", i, loaded.Workers.URLs[i], w)
		}
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Role != "master" {
		t.Errorf("Role = %q, want master", cfg.Server.Role)
	}
}

func TestOnboard_CreatesConfigAndSessionDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfgPath, sessionDir, err := Onboard()
	if err != nil {
		t.Fatalf("Onboard failed: %v", err)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("expected config at %s: %v", cfgPath, err)
	}
	if _, err := os.Stat(sessionDir); err != nil {
		t.Fatalf("expected session dir at %s: %v", sessionDir, err)
	}

	b, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	var parsed Config
	if err := json.Unmarshal(b, &parsed); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if parsed.Storage.SessionDir != sessionDir {
		t.Errorf("SessionDir = %q, want %q", parsed.Storage.SessionDir, sessionDir)
	}
}
