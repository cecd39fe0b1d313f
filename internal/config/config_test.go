package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Sessions.Path != ".reqline/session_store.json" || !cfg.Sessions.Persist {
		t.Fatalf("unexpected session defaults: %+v", cfg.Sessions)
	}
	if cfg.Detection.ActionMatch != "substring" {
		t.Fatalf("action_match = %q", cfg.Detection.ActionMatch)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base_path = %q", cfg.Server.BasePath)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("detection:\n  action_match: token\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Detection.ActionMatch != "token" {
		t.Fatalf("action_match = %q", cfg.Detection.ActionMatch)
	}
	if cfg.Scenarios.Dir != "tests/scenarios" {
		t.Fatalf("scenarios.dir lost default: %q", cfg.Scenarios.Dir)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad match":     "detection:\n  action_match: fuzzy\n",
		"empty session": "sessions:\n  path: \"\"\n",
		"base path":     "server:\n  base_path: v1\n",
		"webhook url":   "webhooks:\n  - events: [pipeline.run]\n",
		"bad yaml":      "sessions: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.Sessions.Path == "" {
		t.Fatalf("expected defaults")
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("Load should fail without a file")
	}
	if err := os.WriteFile(Path(dir), []byte("sessions:\n  strict_load: true\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Sessions.StrictLoad {
		t.Fatalf("strict_load not applied")
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("/ws", "a/b.json"); got != filepath.Join("/ws", "a/b.json") {
		t.Fatalf("got %q", got)
	}
	if got := Resolve("/ws", "/abs/b.json"); got != "/abs/b.json" {
		t.Fatalf("got %q", got)
	}
}
