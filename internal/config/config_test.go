package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Sandbox.Image == "" || cfg.Veil.DatabasePath == "" {
		t.Fatalf("defaults incomplete: %+v", cfg)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sandbox.DefaultMode != "balanced" {
		t.Fatalf("default mode = %q", cfg.Sandbox.DefaultMode)
	}
	if cfg.Workspace != ws {
		t.Fatalf("workspace = %q, want %q", cfg.Workspace, ws)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ws := t.TempDir()
	cfg := Default(ws)
	cfg.Server.ListenAddr = "127.0.0.1:9999"
	cfg.Sandbox.MaxConcurrent = 8
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(ws)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.ListenAddr != "127.0.0.1:9999" || loaded.Sandbox.MaxConcurrent != 8 {
		t.Fatalf("round trip lost fields: %+v", loaded)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".dhi"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(Path(ws), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(ws)
	if err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad_provider", func(c *Config) { c.LLM.Provider = "bard" }, "llm.provider"},
		{"timeout_too_low", func(c *Config) { c.LLM.TimeoutS = 0.5 }, "timeout_s"},
		{"timeout_too_high", func(c *Config) { c.LLM.TimeoutS = 700 }, "timeout_s"},
		{"no_image", func(c *Config) { c.Sandbox.Image = "" }, "image"},
		{"zero_concurrency", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, "max_concurrent"},
		{"bad_mode", func(c *Config) { c.Sandbox.DefaultMode = "turbo" }, "default_mode"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DHI_DB", "/custom/veil.db")
	t.Setenv("DHI_SANDBOX_IMAGE", "dhi-sandbox:next")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Veil.DatabasePath != "/custom/veil.db" {
		t.Fatalf("DHI_DB override ignored: %q", cfg.Veil.DatabasePath)
	}
	if cfg.Sandbox.Image != "dhi-sandbox:next" {
		t.Fatalf("image override ignored: %q", cfg.Sandbox.Image)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Fatalf("api key override ignored")
	}
}

func TestEnvNeverOverridesLimits(t *testing.T) {
	// Resource limits have no env override path at all; the only knobs the
	// environment may touch are secrets and paths.
	t.Setenv("DHI_MAX_CONCURRENT", "999")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sandbox.MaxConcurrent == 999 {
		t.Fatal("resource limits must not be overridable from the environment")
	}
}
