// Package orchestrator drives the per-request state machine and the bounded
// circuit breaker retry loop. It owns all per-request state: the executor
// only executes, the attestation builder only attests, and the ledger only
// records what this loop hands it.
package orchestrator

import "dhi/internal/logging"

// RequestState is one node of the request lifecycle:
//
//	received -> context_ready -> candidate_generated -> verification_running
//	  pass -> verification_passed -> attested -> completed
//	  fail -> (retryable && attempt < 3) -> candidate_generated
//	       -> otherwise -> halted -> attested -> completed
type RequestState string

const (
	StateReceived            RequestState = "received"
	StateContextReady        RequestState = "context_ready"
	StateCandidateGenerated  RequestState = "candidate_generated"
	StateVerificationRunning RequestState = "verification_running"
	StateVerificationPassed  RequestState = "verification_passed"
	StateHalted              RequestState = "halted"
	StateAttested            RequestState = "attested"
	StateCancelled           RequestState = "cancelled"
	StateCompleted           RequestState = "completed"
)

// transition emits state-transition telemetry for one edge and returns the
// new state. Consumers may rely on per-request ordering only.
func transition(requestID string, from, to RequestState) RequestState {
	logging.Orchestrator("state_transition request_id=%s from=%s to=%s", requestID, from, to)
	return to
}
