package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Thresholds.InterfaceReliability != 0.95 {
		t.Errorf("expected interface reliability 0.95, got %v", cfg.Thresholds.InterfaceReliability)
	}
	if cfg.Evaluator.Driver != "replay" {
		t.Errorf("expected replay evaluator, got %s", cfg.Evaluator.Driver)
	}
	if cfg.Context.SummaryLimit != 50 {
		t.Errorf("expected summary limit 50, got %d", cfg.Context.SummaryLimit)
	}
}

func TestYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  addr: ":9090"
thresholds:
  context_utility: 0.85
evaluator:
  driver: backend
  endpoint: http://backend:9000
  timeout: 5s
schema_versions:
  erp: v2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Thresholds.ContextUtility != 0.85 {
		t.Errorf("expected context utility 0.85, got %v", cfg.Thresholds.ContextUtility)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Thresholds.SystematicError != 0.10 {
		t.Errorf("expected systematic error default 0.10, got %v", cfg.Thresholds.SystematicError)
	}
	if cfg.Evaluator.Timeout != 5*time.Second {
		t.Errorf("expected evaluator timeout 5s, got %v", cfg.Evaluator.Timeout)
	}
	if cfg.SchemaVersions["erp"] != "v2" {
		t.Errorf("expected schema_versions[erp]=v2, got %v", cfg.SchemaVersions)
	}
}

func TestEnvWinsOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLYWHEEL_ADDR", ":7070")
	t.Setenv("FLYWHEEL_THRESHOLD_CONTEXT_UTILITY", "0.6")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("env should win over yaml: got %s", cfg.Server.Addr)
	}
	if cfg.Thresholds.ContextUtility != 0.6 {
		t.Errorf("expected context utility 0.6 from env, got %v", cfg.Thresholds.ContextUtility)
	}
}

func TestParseSchemaVersions(t *testing.T) {
	got := parseSchemaVersions("erp=v2, crm=v1,bad,=v3")
	if len(got) != 2 || got["erp"] != "v2" || got["crm"] != "v1" {
		t.Errorf("unexpected parse result: %v", got)
	}
}
