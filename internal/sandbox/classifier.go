package sandbox

import (
	"fmt"
	"strings"

	"dhi/internal/types"
)

// Classification maps raw execution signals to canonical (ViolationEvent,
// FailureClass) pairs. Classification is deterministic and based only on
// known exit signals and error strings. Rules evaluate top to bottom; first
// match wins:
//
//  1. timeout (wall clock or budget)           -> TimeoutViolation / timeout
//  2. output cap breach                        -> OutputLimitViolation / policy
//  3. exit 0                                   -> clean pass
//  4. network signals                          -> NetworkAccessViolation / policy
//  5. read-only filesystem signals             -> FilesystemWriteViolation / policy
//  6. process/thread exhaustion signals        -> ProcessLimitViolation / policy
//  7. seccomp/permission signals               -> SyscallViolation / policy
//  8. OOM kill (137)                           -> MemoryLimitViolation / policy
//  9. interpreter syntax errors                -> - / syntax
// 10. any other non-zero exit                  -> - / deterministic

var networkSignals = []string{
	"network is unreachable",
	"name or service not known",
	"connection refused",
	"socket.gaierror",
	"errno 101", // ENETUNREACH
	"errno 111", // ECONNREFUSED
	"[errno 110]", // ETIMEDOUT
}

var filesystemSignals = []string{
	"read-only file system",
	"[errno 30]",
	"erofs",
}

var processLimitSignals = []string{
	"resource temporarily unavailable",
	"can't start new thread",
	"cannot allocate memory",
	"fork: retry",
	"pids limit",
}

var syscallSignals = []string{
	"seccomp",
	"operation not permitted",
	"permission denied",
	"bad system call",
}

// Classify maps one command's execution outcome to a violation event and
// failure class. A (NoViolation, FailureNone) return is a clean pass.
func Classify(exitCode int, stdout, stderr string, timedOut, outputCapped bool) (types.ViolationEvent, types.FailureClass) {
	if timedOut {
		return types.TimeoutViolation, types.FailureTimeout
	}
	if outputCapped {
		return types.OutputLimitViolation, types.FailurePolicy
	}
	if exitCode == 0 {
		return types.NoViolation, types.FailureNone
	}

	combined := strings.ToLower(stderr) + strings.ToLower(stdout)

	if containsAny(combined, networkSignals) {
		return types.NetworkAccessViolation, types.FailurePolicy
	}
	if containsAny(combined, filesystemSignals) {
		return types.FilesystemWriteViolation, types.FailurePolicy
	}
	if containsAny(combined, processLimitSignals) {
		return types.ProcessLimitViolation, types.FailurePolicy
	}
	if containsAny(combined, syscallSignals) {
		return types.SyscallViolation, types.FailurePolicy
	}

	// OOM-killed containers exit 137, often with empty stderr.
	if exitCode == 137 && (strings.Contains(combined, "killed") ||
		strings.Contains(combined, "out of memory") ||
		strings.TrimSpace(stderr) == "") {
		return types.MemoryLimitViolation, types.FailurePolicy
	}

	lowerStderr := strings.ToLower(stderr)
	if strings.Contains(lowerStderr, "syntaxerror") || strings.Contains(lowerStderr, "indentationerror") {
		return types.NoViolation, types.FailureSyntax
	}

	return types.NoViolation, types.FailureDeterministic
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// flakeAnnotations mark test output as known-flaky regardless of the
// differing-outcome oracle.
var flakeAnnotations = []string{"@flaky", "flaky:", "[flaky]"}

// ApplyFlakeOracle re-classifies a deterministic test failure as flake when
// the oracle fires. The oracle: the same named test command produced a
// different outcome on an earlier attempt of this request, or the output
// carries an explicit flake annotation. Flake halts the loop and is
// permanently excluded from behavioral memory.
func ApplyFlakeOracle(history []*types.VerificationResult, cur *types.VerificationResult) {
	if cur == nil || cur.Status != types.StatusFail || cur.FailureClass != types.FailureDeterministic {
		return
	}

	failing := failingTestCommand(cur)
	if failing == nil {
		return
	}

	lower := strings.ToLower(failing.Stdout + failing.Stderr)
	if containsAny(lower, flakeAnnotations) {
		cur.FailureClass = types.FailureFlake
		return
	}

	for _, prev := range history {
		if prev == nil {
			continue
		}
		for _, cmd := range prev.Commands {
			if cmd.Name == failing.Name && cmd.Passed() != failing.Passed() {
				cur.FailureClass = types.FailureFlake
				return
			}
		}
	}
}

// failingTestCommand returns the first failed test-stage command, or nil.
func failingTestCommand(r *types.VerificationResult) *types.CommandRecord {
	for i := range r.Commands {
		cmd := &r.Commands[i]
		switch cmd.Kind {
		case types.CheckUnit, types.CheckIntegration, types.CheckAITest:
			if !cmd.Passed() {
				return cmd
			}
		}
	}
	return nil
}

// RetryDecision encapsulates a retry eligibility decision with its reason.
type RetryDecision struct {
	ShouldRetry bool
	Reason      string
}

// ClassifyRetry determines whether a failed verification result warrants a
// retry. Rules, in priority order:
//
//  1. Passed results never retry.
//  2. At or past the attempt ceiling: halt (MaxRetriesExceeded is emitted by
//     the orchestrator).
//  3. Terminal violation events halt immediately.
//  4. Non-retryable classes (policy, timeout, flake) halt.
//  5. Retryable classes (syntax, deterministic) retry.
//  6. Anything unclassified halts (fail closed).
func ClassifyRetry(result *types.VerificationResult, currentAttempt int) RetryDecision {
	if result.Status == types.StatusPass {
		return RetryDecision{Reason: "verification passed, no retry needed"}
	}

	if currentAttempt >= types.MaxAttempts {
		return RetryDecision{
			Reason: fmt.Sprintf("max attempts reached (%d)", types.MaxAttempts),
		}
	}

	if result.TerminalEvent.Terminal() {
		return RetryDecision{
			Reason: fmt.Sprintf("terminal violation event %q is non-retryable", result.TerminalEvent),
		}
	}

	fc := result.FailureClass
	if fc == types.FailureNone {
		return RetryDecision{Reason: "failed result has no failure class, halting (fail closed)"}
	}

	if fc.Retryable() {
		return RetryDecision{
			ShouldRetry: true,
			Reason:      fmt.Sprintf("failure class %q is retryable, scheduling attempt %d", fc, currentAttempt+1),
		}
	}

	return RetryDecision{
		Reason: fmt.Sprintf("failure class %q is non-retryable, halting", fc),
	}
}
