package attestation

import (
	"errors"
	"fmt"
	"time"

	"dhi/internal/types"
)

// Final status labels carried by a manifest. A "verified" label is emitted
// only for complete manifests of passing runs; anything partial stays
// unverified (fail closed).
const (
	FinalVerified  = "verified"
	FinalFailed    = "failed"
	FinalCancelled = "cancelled"
)

// ErrManifestIncomplete is returned when a caller tries to emit a verified
// label without a complete manifest.
var ErrManifestIncomplete = errors.New("attestation manifest incomplete")

// Manifest is the tamper-evident terminal artifact for one request: ids,
// timestamps, the full command log with exit codes and durations, the tier,
// retry accounting, skipped checks, and artifact references. Immutable once
// emitted; addressable by request_id.
type Manifest struct {
	RequestID     string    `json:"request_id"`
	Attempt       int       `json:"attempt"`
	SchemaVersion string    `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`

	Tier                types.Tier `json:"tier"`
	HumanReviewRequired bool       `json:"human_review_required"`

	Mode       types.Mode `json:"mode"`
	ExitCode   int        `json:"exit_code"`
	DurationMS int64      `json:"duration_ms"`

	Commands []types.CommandRecord `json:"commands"`

	Status        types.Status         `json:"status"`
	FailureClass  types.FailureClass   `json:"failure_class"`
	TerminalEvent types.ViolationEvent `json:"terminal_event,omitempty"`

	AttemptCount int `json:"attempt_count"`
	RetryCount   int `json:"retry_count"`

	SkippedChecks []types.SkippedCheck `json:"skipped_checks"`
	ArtifactRefs  []string             `json:"artifact_refs"`

	FinalStatus string `json:"final_status"`
}

// Build assembles the manifest for a terminal verification result.
// attemptCount/retryCount come from the circuit breaker; for single-shot
// verification they are (1, 0). terminalEvent is the loop-level terminal
// cause when one exists (it may differ from the result's own event, e.g.
// MaxRetriesExceeded).
func Build(result *types.VerificationResult, attemptCount, retryCount int, terminalEvent types.ViolationEvent) *Manifest {
	event := result.TerminalEvent
	if terminalEvent != types.NoViolation {
		event = terminalEvent
	}

	tier := result.Tier
	if result.Status == types.StatusPass && tier == types.TierNone {
		tier = TierFor(result.Commands)
	}

	final := FinalFailed
	if result.Status == types.StatusPass {
		final = FinalVerified
	}

	return &Manifest{
		RequestID:           result.RequestID,
		Attempt:             result.Attempt,
		SchemaVersion:       types.SchemaVersion,
		CreatedAt:           time.Now().UTC(),
		Tier:                tier,
		HumanReviewRequired: tier == types.TierAITestsOnly,
		Mode:                result.Mode,
		ExitCode:            result.ExitCode,
		DurationMS:          result.DurationMS,
		Commands:            result.Commands,
		Status:              result.Status,
		FailureClass:        result.FailureClass,
		TerminalEvent:       event,
		AttemptCount:        attemptCount,
		RetryCount:          retryCount,
		SkippedChecks:       result.SkippedChecks,
		ArtifactRefs:        result.Artifacts,
		FinalStatus:         final,
	}
}

// BuildCancelled assembles the manifest for a cancelled request. Partial
// manifests are never labelled verified.
func BuildCancelled(requestID string, mode types.Mode, attemptCount int, result *types.VerificationResult) *Manifest {
	m := &Manifest{
		RequestID:     requestID,
		Attempt:       attemptCount,
		SchemaVersion: types.SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		Tier:          types.TierNone,
		Mode:          mode,
		ExitCode:      -1,
		Status:        types.StatusFail,
		FailureClass:  types.FailureTimeout,
		AttemptCount:  attemptCount,
		RetryCount:    maxInt(attemptCount-1, 0),
		Commands:      []types.CommandRecord{},
		SkippedChecks: []types.SkippedCheck{},
		ArtifactRefs:  []string{},
		FinalStatus:   FinalCancelled,
	}
	if result != nil {
		m.Commands = result.Commands
		m.SkippedChecks = result.SkippedChecks
		m.ArtifactRefs = result.Artifacts
		m.DurationMS = result.DurationMS
		m.FailureClass = result.FailureClass
	}
	return m
}

// Complete reports whether the manifest may carry a verified label: all
// required fields present and every tier claim mapped to a logged command.
func (m *Manifest) Complete() error {
	if m == nil {
		return fmt.Errorf("%w: manifest missing", ErrManifestIncomplete)
	}
	if m.RequestID == "" {
		return fmt.Errorf("%w: request_id empty", ErrManifestIncomplete)
	}
	if m.Status == "" || m.FinalStatus == "" {
		return fmt.Errorf("%w: status fields empty", ErrManifestIncomplete)
	}
	if m.AttemptCount < 1 || m.AttemptCount > types.MaxAttempts {
		return fmt.Errorf("%w: attempt_count %d outside [1,%d]", ErrManifestIncomplete, m.AttemptCount, types.MaxAttempts)
	}
	if m.RetryCount != m.AttemptCount-1 {
		return fmt.Errorf("%w: retry_count %d does not match attempt_count %d", ErrManifestIncomplete, m.RetryCount, m.AttemptCount)
	}

	if m.FinalStatus == FinalVerified {
		if m.Tier == types.TierNone {
			return fmt.Errorf("%w: verified label with no tier", ErrManifestIncomplete)
		}
		// Every tier claim must map to executed-command evidence.
		if earned := TierFor(m.Commands); earned != m.Tier {
			return fmt.Errorf("%w: tier claim %s not backed by command log (evidence supports %s)",
				ErrManifestIncomplete, m.Tier, earned)
		}
		if m.Tier == types.TierAITestsOnly && !m.HumanReviewRequired {
			return fmt.Errorf("%w: AI_TESTS_ONLY without human_review_required", ErrManifestIncomplete)
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
