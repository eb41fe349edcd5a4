package interceptor

import (
	"context"

	"github.com/google/uuid"

	"dhi/internal/gateway"
	"dhi/internal/logging"
	"dhi/internal/sandbox"
	"dhi/internal/types"
)

// SandboxRunner is the slice of the executor the interceptor needs.
type SandboxRunner interface {
	Run(ctx context.Context, req sandbox.RunRequest) (*types.VerificationResult, error)
}

// Service orchestrates the end-to-end safe generation pipeline for a single
// attempt: governance, cloud generation, extraction, sandbox verification.
type Service struct {
	gw        gateway.Gateway
	extractor *Extractor
	runner    SandboxRunner
	planOpts  sandbox.PlanOptions
}

// NewService wires the single-shot intercept pipeline.
func NewService(gw gateway.Gateway, extractor *Extractor, runner SandboxRunner, planOpts sandbox.PlanOptions) *Service {
	return &Service{gw: gw, extractor: extractor, runner: runner, planOpts: planOpts}
}

// Process runs governance, cloud generation, extraction, and sandbox
// verification for one attempt. The returned error is non-nil only for
// infrastructure faults (backpressure, cancellation); pipeline outcomes are
// reported inside the Response.
func (s *Service) Process(ctx context.Context, payload types.ContextPayload, mode types.Mode) (*Response, error) {
	log := logging.WithRequestID(logging.CategoryGovernance, payload.RequestID)
	log.Info("running governance (attempt %d)", payload.Attempt)

	safePayload, audit := Governance(payload)
	if audit.Blocked {
		reason := audit.BlockReason
		if reason == "" {
			reason = "unknown governance policy block"
		}
		log.Warn("blocked by governance: %s", reason)
		return &Response{
			RequestID:       payload.RequestID,
			Audit:           audit,
			ExtractionError: "Blocked by governance: " + reason,
		}, nil
	}

	log.Info("requesting cloud candidate")
	raw, err := s.gw.Generate(ctx, safePayload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.GatewayError("generation failed request_id=%s: %v", payload.RequestID, err)
		return &Response{
			RequestID:       payload.RequestID,
			Audit:           audit,
			ExtractionError: err.Error(),
		}, nil
	}

	extraction := s.extractor.Extract(raw)
	if !extraction.Success {
		log.Warn("extraction failed: %s", extraction.Error)
		return &Response{
			RequestID:       payload.RequestID,
			Audit:           audit,
			LLMNotes:        extraction.Notes,
			ExtractionError: extraction.Error,
		}, nil
	}

	candidate := types.Candidate{
		CandidateID: uuid.NewString(),
		Code:        extraction.Code,
		Language:    extraction.Language,
		Notes:       extraction.Notes,
	}

	log.Info("submitting extracted candidate %s to sandbox", candidate.CandidateID)
	result, err := s.runner.Run(ctx, sandbox.RunRequest{
		RequestID:   payload.RequestID,
		CandidateID: candidate.CandidateID,
		Attempt:     payload.Attempt,
		Mode:        mode,
		Code:        candidate.Code,
		Plan:        sandbox.PlanForCandidate(mode, s.planOpts),
	})
	if err != nil {
		return nil, err
	}

	return &Response{
		RequestID:          payload.RequestID,
		Audit:              audit,
		LLMNotes:           extraction.Notes,
		ExtractionSuccess:  true,
		VerificationResult: result,
	}, nil
}
