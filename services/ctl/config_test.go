package ctl

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestctl.yaml")
	raw := "api_base: https://ingest.example.com\ncontent_type: application/json\ncompress: true\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path, true)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIBase != "https://ingest.example.com" {
		t.Errorf("api_base = %s", cfg.APIBase)
	}
	if cfg.ContentType != "application/json" || !cfg.Compress {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	if _, err := LoadConfig(missing, true); err == nil {
		t.Fatal("explicit missing config should fail")
	}

	cfg, err := LoadConfig(missing, false)
	if err != nil {
		t.Fatalf("default missing config should be empty, got %v", err)
	}
	if cfg.APIBase != "" {
		t.Errorf("cfg = %+v, want zero value", cfg)
	}
}
