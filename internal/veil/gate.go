package veil

import (
	"fmt"

	"dhi/internal/types"
)

// GateDecision is the determinism gate verdict for one orchestration run.
type GateDecision struct {
	Reproducible bool
	Reason       string
}

// Gate classifies runs as reproducible or noise. A run is reproducible iff
// (a) its fingerprint matches the project baseline, (b) its command-set hash
// matches the expected plan for the request class, and (c) its failure class
// is not in the noise set (flake, timeout, policy). Only reproducible runs
// may write behavioral memory.
type Gate struct{}

// Evaluate applies the gate to a completed orchestration.
func (Gate) Evaluate(result *types.OrchestrationResult, fp, baseline EnvironmentFingerprint, expectedPlanHash string) GateDecision {
	if result == nil || len(result.Attempts) == 0 {
		return GateDecision{Reason: "no_attempts"}
	}

	last := result.LastResult()
	if last == nil {
		return GateDecision{Reason: "extraction_failed"}
	}

	if !fp.Equal(baseline) {
		return GateDecision{Reason: "fingerprint_mismatch"}
	}

	if expectedPlanHash != "" && fp.CommandSetHash != expectedPlanHash {
		return GateDecision{Reason: "plan_mismatch"}
	}

	if result.FinalStatus == types.StatusFail {
		fc := last.FailureClass
		if fc.Noise() {
			return GateDecision{Reason: fmt.Sprintf("noise:%s", fc)}
		}
		// Syntax and deterministic failures are useful negative signal.
		return GateDecision{
			Reproducible: true,
			Reason:       fmt.Sprintf("deterministic_fail_%s", fc),
		}
	}

	return GateDecision{Reproducible: true, Reason: "deterministic_pass"}
}
