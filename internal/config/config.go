// Package config holds all Dhi configuration. Config lives in
// .dhi/config.json under the workspace; environment variables override
// secrets and paths at load time. Runtime limits and mode defaults are
// injected values - nothing in the pipeline reads ambient globals.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all Dhi configuration.
type Config struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	Server      ServerConfig      `json:"server"`
	LLM         LLMConfig         `json:"llm"`
	Sandbox     SandboxConfig     `json:"sandbox"`
	Veil        VeilConfig        `json:"veil"`
	Attestation AttestationConfig `json:"attestation"`
	Logging     LoggingConfig     `json:"logging"`

	// Workspace is the directory the .dhi state root lives under.
	// Set by Load; not serialized.
	Workspace string `json:"-"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// LLMConfig configures the default cloud gateway target. Per-request
// overrides are permitted for key, base, and timeout - never for limits.
type LLMConfig struct {
	Provider string  `json:"provider"` // openai, nvidia, custom
	Model    string  `json:"model"`
	APIKey   string  `json:"api_key,omitempty"`
	BaseURL  string  `json:"base_url,omitempty"`
	TimeoutS float64 `json:"timeout_s"`
}

// SandboxConfig configures the execution backends.
type SandboxConfig struct {
	// Image is the container image candidates run in.
	Image string `json:"image"`

	// DefaultMode is used when a request does not specify one.
	DefaultMode string `json:"default_mode"`

	// MaxConcurrent caps live sandboxes across all requests.
	MaxConcurrent int64 `json:"max_concurrent"`

	// QueueWaitS bounds how long a request may wait for a sandbox slot
	// before failing with a backpressure error.
	QueueWaitS int `json:"queue_wait_s"`

	// StrictRuntimePath is the microVM runtime (e.g. a Kata runtime
	// registered with the container engine) probed for strict mode.
	// Empty means strict mode is unavailable on this host.
	StrictRuntimePath string `json:"strict_runtime_path,omitempty"`

	// RequireStrict mandates the strict profile for every request.
	// Requests in any other mode fail closed with StrictModeRequired.
	RequireStrict bool `json:"require_strict,omitempty"`

	// ArtifactsDir receives per-request durable artifacts (logs, coverage).
	ArtifactsDir string `json:"artifacts_dir"`
}

// VeilConfig configures the event ledger and fingerprint baseline.
type VeilConfig struct {
	DatabasePath string `json:"database_path"`
	BaselinePath string `json:"baseline_path"`
}

// AttestationConfig configures the manifest store.
type AttestationConfig struct {
	ManifestDir string `json:"manifest_dir"`
}

// LoggingConfig mirrors logging.loadConfig's view of .dhi/config.json.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level"`
}

// Default returns the baseline configuration rooted at workspace.
func Default(workspace string) *Config {
	root := filepath.Join(workspace, ".dhi")
	return &Config{
		Name:    "dhi",
		Version: "0.1.0-dev",
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8787",
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			TimeoutS: 120,
		},
		Sandbox: SandboxConfig{
			Image:         "dhi-sandbox:latest",
			DefaultMode:   "balanced",
			MaxConcurrent: 4,
			QueueWaitS:    15,
			ArtifactsDir:  filepath.Join(root, "artifacts"),
		},
		Veil: VeilConfig{
			DatabasePath: filepath.Join(root, "veil.db"),
			BaselinePath: filepath.Join(root, "baseline.json"),
		},
		Attestation: AttestationConfig{
			ManifestDir: filepath.Join(root, "manifests"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Workspace: workspace,
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".dhi", "config.json")
}

// Load reads .dhi/config.json, falling back to defaults when absent, then
// applies environment overrides and validates.
func Load(workspace string) (*Config, error) {
	cfg := Default(workspace)

	data, err := os.ReadFile(Path(workspace))
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg.Workspace = workspace
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win for secrets and paths.
// Read once at process start; resource limits have no env override.
func (c *Config) applyEnvOverrides() {
	switch c.LLM.Provider {
	case "nvidia":
		if key := os.Getenv("NVIDIA_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
		if base := os.Getenv("NVIDIA_API_BASE"); base != "" {
			c.LLM.BaseURL = base
		}
	default:
		if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.APIKey == "" {
			c.LLM.APIKey = key
		}
	}

	if path := os.Getenv("DHI_DB"); path != "" {
		c.Veil.DatabasePath = path
	}
	if dir := os.Getenv("DHI_MANIFEST_DIR"); dir != "" {
		c.Attestation.ManifestDir = dir
	}
	if img := os.Getenv("DHI_SANDBOX_IMAGE"); img != "" {
		c.Sandbox.Image = img
	}
}

// Validate checks that all sections are within acceptable ranges.
func (c *Config) Validate() error {
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateSandbox(); err != nil {
		return err
	}
	if c.Veil.DatabasePath == "" {
		return fmt.Errorf("veil.database_path is required")
	}
	if c.Attestation.ManifestDir == "" {
		return fmt.Errorf("attestation.manifest_dir is required")
	}
	return nil
}

func (c *Config) validateLLM() error {
	switch c.LLM.Provider {
	case "openai", "nvidia", "custom":
	default:
		return fmt.Errorf("llm.provider %q not supported (openai, nvidia, custom)", c.LLM.Provider)
	}
	if c.LLM.TimeoutS < 1 || c.LLM.TimeoutS > 600 {
		return fmt.Errorf("llm.timeout_s must be in [1,600], got %v", c.LLM.TimeoutS)
	}
	return nil
}

func (c *Config) validateSandbox() error {
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.QueueWaitS < 0 {
		return fmt.Errorf("sandbox.queue_wait_s must be >= 0")
	}
	switch c.Sandbox.DefaultMode {
	case "fast", "balanced", "strict":
	default:
		return fmt.Errorf("sandbox.default_mode %q not supported", c.Sandbox.DefaultMode)
	}
	return nil
}

// Save writes the config to .dhi/config.json.
func (c *Config) Save() error {
	path := Path(c.Workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
