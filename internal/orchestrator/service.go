package orchestrator

import (
	"context"
	"errors"
	"time"

	"dhi/internal/attestation"
	"dhi/internal/interceptor"
	"dhi/internal/logging"
	"dhi/internal/sandbox"
	"dhi/internal/types"
	"dhi/internal/veil"
)

// AttemptRunner executes one generation + verification attempt. Satisfied by
// *interceptor.Service.
type AttemptRunner interface {
	Process(ctx context.Context, payload types.ContextPayload, mode types.Mode) (*interceptor.Response, error)
}

// Orchestrator implements the bounded circuit breaker for autonomous code
// generation. The loop runs at most types.MaxAttempts times per request:
// attempt 1 is the initial generation; attempts 2-3 are repair generations
// where the model receives the prior failure class and bounded execution
// evidence. The loop halts immediately on a passing result, a non-retryable
// failure class, a terminal violation event, or attempt exhaustion.
type Orchestrator struct {
	runner    AttemptRunner
	gate      veil.Gate
	ledger    *veil.Ledger
	manifests *attestation.Store

	fingerprint      veil.EnvironmentFingerprint
	baseline         veil.EnvironmentFingerprint
	expectedPlanHash string
}

// New wires the circuit breaker. Ledger and manifest store may be nil in
// unit tests; production wiring always provides them.
func New(runner AttemptRunner, ledger *veil.Ledger, manifests *attestation.Store,
	fingerprint, baseline veil.EnvironmentFingerprint, expectedPlanHash string) *Orchestrator {
	return &Orchestrator{
		runner:           runner,
		ledger:           ledger,
		manifests:        manifests,
		fingerprint:      fingerprint,
		baseline:         baseline,
		expectedPlanHash: expectedPlanHash,
	}
}

// syntheticSyntaxFailure keeps pre-handoff syntax validation classifiable:
// an extraction-time SyntaxError becomes a retryable syntax-class result
// without any sandbox execution.
func syntheticSyntaxFailure(requestID string, attempt int, mode types.Mode, errMsg string) *types.VerificationResult {
	return &types.VerificationResult{
		RequestID:     requestID,
		Attempt:       attempt,
		SchemaVersion: types.SchemaVersion,
		Mode:          mode,
		Status:        types.StatusFail,
		Tier:          types.TierNone,
		FailureClass:  types.FailureSyntax,
		ExitCode:      -1,
		Stderr:        errMsg,
		Commands:      []types.CommandRecord{},
		SkippedChecks: []types.SkippedCheck{},
		Artifacts:     []string{},
		CreatedAt:     time.Now().UTC(),
	}
}

// Run executes the circuit breaker loop for an immutable request envelope
// and returns the final orchestration result plus the stored attestation
// manifest (nil when no attempt reached the sandbox). The only non-nil
// errors are backpressure and cancellation.
func (o *Orchestrator) Run(ctx context.Context, env types.RequestEnvelope, files []string) (*types.OrchestrationResult, *attestation.Manifest, error) {
	requestID := env.RequestID
	mode := env.Mode
	content := env.UserPrompt
	log := logging.WithRequestID(logging.CategoryOrchestrator, requestID)

	state := transition(requestID, StateReceived, StateContextReady)

	originalContent := content
	var attempts []types.AttemptRecord
	var history []*types.VerificationResult
	finalStatus := types.StatusFail
	terminal := types.NoViolation

	for attempt := 1; attempt <= types.MaxAttempts; attempt++ {
		log.Info("starting attempt %d/%d", attempt, types.MaxAttempts)
		state = transition(requestID, state, StateCandidateGenerated)
		state = transition(requestID, state, StateVerificationRunning)

		resp, err := o.runner.Process(ctx, types.ContextPayload{
			RequestID: requestID,
			Attempt:   attempt,
			Files:     files,
			Content:   content,
		}, mode)

		if err != nil {
			if errors.Is(err, sandbox.ErrBackpressure) {
				return nil, nil, err
			}
			// Cancellation: kill is already done; record telemetry only and
			// emit a cancelled manifest. Never labelled verified.
			transition(requestID, state, StateCancelled)
			o.recordCancellation(requestID, mode, attempt, lastOf(history))
			return nil, nil, err
		}

		verification := resp.VerificationResult
		if verification == nil && !resp.ExtractionSuccess && interceptor.IsSyntaxError(resp.ExtractionError) {
			log.Info("extraction syntax failure on attempt %d, treating as retryable syntax class", attempt)
			verification = syntheticSyntaxFailure(requestID, attempt, mode, resp.ExtractionError)
		}

		attempts = append(attempts, types.AttemptRecord{
			Attempt:           attempt,
			ExtractionSuccess: resp.ExtractionSuccess,
			ExtractionError:   resp.ExtractionError,
			Result:            verification,
			CreatedAt:         time.Now().UTC(),
		})

		if verification == nil {
			log.Warn("extraction failed on attempt %d, halting: %s", attempt, resp.ExtractionError)
			state = transition(requestID, state, StateHalted)
			break
		}

		sandbox.ApplyFlakeOracle(history, verification)
		history = append(history, verification)

		if verification.Status == types.StatusPass {
			log.Info("pass on attempt %d", attempt)
			finalStatus = types.StatusPass
			state = transition(requestID, state, StateVerificationPassed)
			break
		}

		decision := sandbox.ClassifyRetry(verification, attempt)
		log.Info("attempt %d failed: %s", attempt, decision.Reason)

		if !decision.ShouldRetry {
			if verification.FailureClass.Retryable() && attempt >= types.MaxAttempts {
				terminal = types.MaxRetriesExceeded
			} else if verification.TerminalEvent != types.NoViolation {
				terminal = verification.TerminalEvent
			}
			state = transition(requestID, state, StateHalted)
			break
		}

		content = BuildRepairPrompt(originalContent, verification)
	}

	result := &types.OrchestrationResult{
		RequestID:     requestID,
		AttemptCount:  len(attempts),
		RetryCount:    len(attempts) - 1,
		FinalStatus:   finalStatus,
		TerminalEvent: terminal,
		Attempts:      attempts,
	}

	manifest := o.attest(requestID, result, terminal)
	state = transition(requestID, state, StateAttested)

	o.recordOutcome(result)
	transition(requestID, state, StateCompleted)

	return result, manifest, nil
}

// attest builds and stores the terminal manifest. No verified label leaves
// this method without a complete manifest behind it.
func (o *Orchestrator) attest(requestID string, result *types.OrchestrationResult, terminal types.ViolationEvent) *attestation.Manifest {
	last := result.LastResult()
	if last == nil {
		// Client-facing input error band: no sandbox execution, no manifest.
		return nil
	}

	manifest := attestation.Build(last, result.AttemptCount, result.RetryCount, terminal)
	if err := manifest.Complete(); err != nil {
		// Fail closed: an incomplete manifest downgrades the run.
		logging.Get(logging.CategoryAttestation).Error("manifest incomplete for %s: %v", requestID, err)
		manifest.FinalStatus = attestation.FinalFailed
	}

	if o.manifests != nil {
		if _, err := o.manifests.Put(manifest); err != nil && !errors.Is(err, attestation.ErrAlreadyStored) {
			logging.Get(logging.CategoryAttestation).Error("manifest store write failed for %s: %v", requestID, err)
		}
	}
	return manifest
}

// recordOutcome runs the determinism gate and writes the ledger events.
// A ledger write failure downgrades the run to "verified locally, ledger
// not updated" and raises an operator alert; it never blocks the response.
func (o *Orchestrator) recordOutcome(result *types.OrchestrationResult) {
	if o.ledger == nil {
		return
	}
	decision := o.gate.Evaluate(result, o.fingerprint, o.baseline, o.expectedPlanHash)
	logging.Veil("gate decision request_id=%s reproducible=%v reason=%s",
		result.RequestID, decision.Reproducible, decision.Reason)

	if err := o.ledger.RecordOutcome(decision, result, o.fingerprint); err != nil {
		logging.VeilError("OPERATOR ALERT: ledger write failed for %s, run is verified locally but ledger not updated: %v",
			result.RequestID, err)
	}
}

func (o *Orchestrator) recordCancellation(requestID string, mode types.Mode, attemptCount int, last *types.VerificationResult) {
	if o.ledger != nil {
		if err := o.ledger.RecordCancelled(requestID, o.fingerprint, attemptCount); err != nil {
			logging.VeilError("ledger cancellation write failed for %s: %v", requestID, err)
		}
	}
	if o.manifests != nil {
		m := attestation.BuildCancelled(requestID, mode, attemptCount, last)
		if _, err := o.manifests.Put(m); err != nil && !errors.Is(err, attestation.ErrAlreadyStored) {
			logging.Get(logging.CategoryAttestation).Error("cancelled manifest write failed for %s: %v", requestID, err)
		}
	}
}

func lastOf(history []*types.VerificationResult) *types.VerificationResult {
	if len(history) == 0 {
		return nil
	}
	return history[len(history)-1]
}
