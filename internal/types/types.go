// Package types defines the canonical data contracts shared across the Dhi
// pipeline: verification modes, tiers, failure classes, violation events, the
// VerificationResult produced by the sandbox, and the orchestration records
// produced by the circuit breaker. Every enum here is a closed set - the
// classifiers downstream are total functions over these values.
package types

import (
	"fmt"
	"time"
)

// SchemaVersion is bumped whenever a field is added to or renamed in any of
// the persisted contracts (VerificationResult, manifest, ledger events).
const SchemaVersion = "1.0"

// MaxAttempts is the hard, non-configurable attempt ceiling enforced by the
// circuit breaker. Attempts are 1-indexed; retry_count = attempt_count - 1.
const MaxAttempts = 3

// Mode is the runtime isolation mode for sandbox execution.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeStrict   Mode = "strict"
)

// Valid reports whether m is a known verification mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFast, ModeBalanced, ModeStrict:
		return true
	}
	return false
}

// Status is the binary outcome of a verification run.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// Tier is the verification tier achieved by a passing run.
// AI_TESTS_ONLY means every passing test was AI-authored and a human must
// review the result before trusting it.
type Tier string

const (
	TierL0          Tier = "L0"
	TierL1          Tier = "L1"
	TierL2          Tier = "L2"
	TierAITestsOnly Tier = "AI_TESTS_ONLY"
	TierNone        Tier = "none"
)

// Valid reports whether t is a known tier label.
func (t Tier) Valid() bool {
	switch t {
	case TierL0, TierL1, TierL2, TierAITestsOnly, TierNone:
		return true
	}
	return false
}

// FailureClass is the canonical failure classification used for retry
// eligibility and determinism gating.
type FailureClass string

const (
	FailureSyntax        FailureClass = "syntax"
	FailurePolicy        FailureClass = "policy"
	FailureTimeout       FailureClass = "timeout"
	FailureFlake         FailureClass = "flake"
	FailureDeterministic FailureClass = "deterministic"
	FailureNone          FailureClass = "none"
)

// Retryable reports whether the circuit breaker may schedule another attempt
// after a failure of this class. Only syntax and deterministic failures are
// retryable; policy, timeout, and flake halt immediately.
func (f FailureClass) Retryable() bool {
	return f == FailureSyntax || f == FailureDeterministic
}

// Noise reports whether this class belongs to the noise set that the
// determinism gate permanently excludes from behavioral memory.
func (f FailureClass) Noise() bool {
	return f == FailureFlake || f == FailureTimeout || f == FailurePolicy
}

// ViolationEvent names a terminal runtime enforcement or system event. The
// sandbox emits one when the runtime kills a process for a policy breach;
// the orchestrator emits the retry/availability events.
type ViolationEvent string

const (
	NetworkAccessViolation   ViolationEvent = "NetworkAccessViolation"
	FilesystemWriteViolation ViolationEvent = "FilesystemWriteViolation"
	TimeoutViolation         ViolationEvent = "TimeoutViolation"
	ProcessLimitViolation    ViolationEvent = "ProcessLimitViolation"
	MemoryLimitViolation     ViolationEvent = "MemoryLimitViolation"
	OutputLimitViolation     ViolationEvent = "OutputLimitViolation"
	SyscallViolation         ViolationEvent = "SyscallViolation"
	StrictModeUnavailable    ViolationEvent = "StrictModeUnavailable"
	StrictModeRequired       ViolationEvent = "StrictModeRequired"
	MaxRetriesExceeded       ViolationEvent = "MaxRetriesExceeded"
	// NoViolation is the zero value: no terminal event occurred.
	NoViolation ViolationEvent = ""
)

// Terminal reports whether the event always halts the retry loop.
// Every named violation event is terminal; only the zero value is not.
func (v ViolationEvent) Terminal() bool {
	return v != NoViolation
}

// CheckKind classifies a command in the verification plan. The tier
// classifier derives evidence levels from the kinds that executed and passed.
type CheckKind string

const (
	CheckParse       CheckKind = "parse"
	CheckLint        CheckKind = "lint"
	CheckTypecheck   CheckKind = "typecheck"
	CheckUnit        CheckKind = "unit"
	CheckIntegration CheckKind = "integration"
	CheckAITest      CheckKind = "ai_test"
	CheckRun         CheckKind = "run"
)

// CommandRecord is one executed command in the sandbox command log. The
// attestation manifest carries the full ordered log; tier claims must map to
// records in it.
type CommandRecord struct {
	Name       string    `json:"name"`
	Kind       CheckKind `json:"kind"`
	Argv       []string  `json:"argv"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	Stdout     string    `json:"stdout_trunc"`
	Stderr     string    `json:"stderr_trunc"`
	AIAuthored bool      `json:"ai_authored,omitempty"`
}

// Passed reports whether the command completed with a zero exit code.
func (c CommandRecord) Passed() bool { return c.ExitCode == 0 }

// SkippedCheck records a plan command that did not run, with the reason
// (earlier failure, budget exhaustion, not configured).
type SkippedCheck struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// VerificationResult is the canonical output contract of the sandbox
// executor. The executor always returns a structurally complete result, even
// on internal error. Invariants:
//
//	status == pass  =>  failure_class == none && tier != none
//	status == fail  =>  failure_class != none
type VerificationResult struct {
	RequestID     string `json:"request_id"`
	CandidateID   string `json:"candidate_id,omitempty"`
	Attempt       int    `json:"attempt"`
	SchemaVersion string `json:"schema_version"`

	Mode   Mode   `json:"mode"`
	Status Status `json:"status"`
	Tier   Tier   `json:"tier"`

	FailureClass  FailureClass   `json:"failure_class"`
	TerminalEvent ViolationEvent `json:"terminal_event,omitempty"`

	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`

	Commands      []CommandRecord `json:"commands"`
	SkippedChecks []SkippedCheck  `json:"skipped_checks"`
	Artifacts     []string        `json:"artifacts"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate enforces the pass/fail structural invariants.
func (r *VerificationResult) Validate() error {
	if r.Attempt < 1 || r.Attempt > MaxAttempts {
		return fmt.Errorf("attempt %d outside [1,%d]", r.Attempt, MaxAttempts)
	}
	switch r.Status {
	case StatusPass:
		if r.FailureClass != FailureNone {
			return fmt.Errorf("pass result carries failure_class %q", r.FailureClass)
		}
		if r.Tier == TierNone || !r.Tier.Valid() {
			return fmt.Errorf("pass result carries tier %q", r.Tier)
		}
	case StatusFail:
		if r.FailureClass == FailureNone {
			return fmt.Errorf("fail result carries no failure_class")
		}
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}
	return nil
}

// RequestEnvelope is the immutable inbound request. Nothing mutates it after
// creation; the pipeline passes it by value.
type RequestEnvelope struct {
	RequestID  string `json:"request_id"`
	UserPrompt string `json:"user_prompt"`
	Mode       Mode   `json:"mode"`
	RepoRoot   string `json:"repo_root"`
}

// ContextPayload is the per-attempt payload sent toward the LLM gateway:
// request metadata, context file paths, and the (governed) prompt content.
type ContextPayload struct {
	RequestID string   `json:"request_id"`
	Attempt   int      `json:"attempt"`
	Files     []string `json:"files"`
	Content   string   `json:"content"`
}

// Candidate is one LLM-produced solution attempt.
type Candidate struct {
	CandidateID    string   `json:"candidate_id"`
	Code           string   `json:"code"`
	Language       string   `json:"language"`
	Notes          string   `json:"notes"`
	ExpectedChecks []string `json:"expected_checks,omitempty"`
}

// AttemptRecord is an immutable snapshot of one generation + verification
// attempt inside the retry loop.
type AttemptRecord struct {
	Attempt           int                 `json:"attempt"`
	ExtractionSuccess bool                `json:"extraction_success"`
	ExtractionError   string              `json:"extraction_error,omitempty"`
	Result            *VerificationResult `json:"verification_result,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// OrchestrationResult is the final aggregated outcome of the circuit breaker
// loop for one request.
type OrchestrationResult struct {
	RequestID     string          `json:"request_id"`
	AttemptCount  int             `json:"attempt_count"`
	RetryCount    int             `json:"retry_count"`
	FinalStatus   Status          `json:"final_status"`
	TerminalEvent ViolationEvent  `json:"terminal_event,omitempty"`
	Attempts      []AttemptRecord `json:"attempts"`
}

// LastResult returns the verification result of the final attempt, or nil
// when no attempt produced one (extraction failed on every attempt).
func (o *OrchestrationResult) LastResult() *VerificationResult {
	for i := len(o.Attempts) - 1; i >= 0; i-- {
		if o.Attempts[i].Result != nil {
			return o.Attempts[i].Result
		}
	}
	return nil
}

// TotalDurationMS sums sandbox wall-clock time across all attempts.
func (o *OrchestrationResult) TotalDurationMS() int64 {
	var total int64
	for _, a := range o.Attempts {
		if a.Result != nil {
			total += a.Result.DurationMS
		}
	}
	return total
}
