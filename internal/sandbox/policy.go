// Package sandbox executes untrusted candidate code in an isolated ephemeral
// runtime and classifies the outcome. It is the only component permitted to
// issue execution. Two backend profiles exist: balanced (rootless container)
// and strict (hardware-virtualized microVM); strict unavailability is a
// terminal fault, never a silent downgrade.
package sandbox

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dhi/internal/types"
)

// Limits are the hard resource caps enforced by the runtime, not by the
// executor process. Violations are terminal: the runtime is killed
// immediately and no further commands run.
type Limits struct {
	// CommandTimeout is the per-command wall clock.
	CommandTimeout time.Duration

	// RequestBudget is the total verification budget per request attempt.
	RequestBudget time.Duration

	CPUs           float64
	MemoryMB       int64
	PidsLimit      int
	OutputCapBytes int64
	ScratchCapMB   int64
}

// LimitsFor returns the enforcement profile for a mode. Fast mode shares the
// balanced container profile; it differs upstream (shallower command plan),
// not in isolation strength.
func LimitsFor(mode types.Mode) Limits {
	if mode == types.ModeStrict {
		return Limits{
			CommandTimeout: 60 * time.Second,
			RequestBudget:  240 * time.Second,
			CPUs:           2,
			MemoryMB:       1536,
			PidsLimit:      128,
			OutputCapBytes: 10 * 1024 * 1024,
			ScratchCapMB:   512,
		}
	}
	return Limits{
		CommandTimeout: 45 * time.Second,
		RequestBudget:  180 * time.Second,
		CPUs:           2,
		MemoryMB:       1024,
		PidsLimit:      256,
		OutputCapBytes: 10 * 1024 * 1024,
		ScratchCapMB:   512,
	}
}

// Mount paths inside the runtime.
const (
	sourceMount = "/source"
	scratchPath = "/tmp/dhi-scratch"
)

// NetworkPolicy is the egress policy applied to every sandbox. Default-deny;
// loopback-only fixtures may be allowed by the policy file, never per
// request.
type NetworkPolicy struct {
	// Default must be "deny". Any other value is rejected at load time.
	Default string `yaml:"default"`

	// LoopbackFixtures are services the candidate may reach on 127.0.0.1.
	LoopbackFixtures []LoopbackFixture `yaml:"loopback_fixtures,omitempty"`
}

// LoopbackFixture names a loopback-only service permitted inside the sandbox.
type LoopbackFixture struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

// DefaultNetworkPolicy denies all egress.
func DefaultNetworkPolicy() NetworkPolicy {
	return NetworkPolicy{Default: "deny"}
}

// LoadNetworkPolicy reads the policy file at path. A missing file yields the
// default-deny policy; a present file with any default other than "deny" is
// an error (fail closed).
func LoadNetworkPolicy(path string) (NetworkPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultNetworkPolicy(), nil
		}
		return NetworkPolicy{}, fmt.Errorf("failed to read network policy: %w", err)
	}

	var policy NetworkPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return NetworkPolicy{}, fmt.Errorf("failed to parse network policy: %w", err)
	}
	if policy.Default != "deny" {
		return NetworkPolicy{}, fmt.Errorf("network policy default must be \"deny\", got %q", policy.Default)
	}
	for _, f := range policy.LoopbackFixtures {
		if f.Port < 1 || f.Port > 65535 {
			return NetworkPolicy{}, fmt.Errorf("fixture %q has invalid port %d", f.Name, f.Port)
		}
	}
	return policy, nil
}

// AllowsLoopback reports whether any loopback fixture is configured.
// When true the container runs with a loopback-only network namespace
// instead of none; egress beyond 127.0.0.1 stays denied.
func (p NetworkPolicy) AllowsLoopback() bool {
	return len(p.LoopbackFixtures) > 0
}
