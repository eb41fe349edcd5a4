package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dhi/internal/attestation"
	"dhi/internal/gateway"
	"dhi/internal/interceptor"
	"dhi/internal/orchestrator"
	"dhi/internal/sandbox"
	"dhi/internal/types"
)

// errorResponse is the uniform error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// verifyRequest is the body for POST /verify.
type verifyRequest struct {
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
	Attempt   int    `json:"attempt"`
	Mode      string `json:"mode"`
}

// interceptRequest is the body for POST /intercept and POST /orchestrate.
type interceptRequest struct {
	RequestID string   `json:"request_id"`
	Attempt   int      `json:"attempt"`
	Files     []string `json:"files"`
	Content   string   `json:"content"`
	Mode      string   `json:"mode"`

	ModelName      string         `json:"model_name"`
	LLMProvider    string         `json:"llm_provider"`
	LLMAPIBase     string         `json:"llm_api_base"`
	LLMAPIKey      string         `json:"llm_api_key"`
	LLMExtraBody   map[string]any `json:"llm_extra_body"`
	LLMTimeoutS    float64        `json:"llm_timeout_s"`
	LLMMaxTokens   *int           `json:"llm_max_tokens"`
	LLMTemperature *float64       `json:"llm_temperature"`
	LLMTopP        *float64       `json:"llm_top_p"`
}

// verifyResponse pairs a sandbox result with its attestation manifest.
type verifyResponse struct {
	Result      *types.VerificationResult `json:"result"`
	Manifest    *attestation.Manifest     `json:"manifest"`
	ManifestRef string                    `json:"manifest_ref,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"service": "dhi",
		"version": Version,
	})
}

func (s *Server) resolveMode(raw string) (types.Mode, error) {
	if raw == "" {
		raw = s.cfg.Sandbox.DefaultMode
	}
	mode := types.Mode(raw)
	if !mode.Valid() {
		return "", fmt.Errorf("unknown mode %q", raw)
	}
	return mode, nil
}

// handleVerify runs the sandbox once for a raw candidate and returns the
// verification result plus its proof artifact.
func (s *Server) handleVerify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid JSON body"})
	}
	if req.RequestID == "" {
		req.RequestID = "anonymous"
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	if req.Code == "" {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{Error: "code is required"})
	}

	mode, err := s.resolveMode(req.Mode)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{Error: err.Error()})
	}

	result, err := s.executor.Run(c.Context(), sandbox.RunRequest{
		RequestID: req.RequestID,
		Attempt:   req.Attempt,
		Mode:      mode,
		Code:      req.Code,
		Plan:      sandbox.PlanForCandidate(mode, sandbox.PlanOptions{}),
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrBackpressure) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}

	manifest := attestation.Build(result, 1, 0, types.NoViolation)
	if err := manifest.Complete(); err != nil {
		// Fail closed: never emit a verified label from a partial manifest.
		manifest.FinalStatus = attestation.FinalFailed
		s.logger.Error("manifest incomplete", zap.String("request_id", req.RequestID), zap.Error(err))
	}

	ref, err := s.manifests.Put(manifest)
	if err != nil && !errors.Is(err, attestation.ErrAlreadyStored) {
		s.logger.Error("manifest store write failed", zap.String("request_id", req.RequestID), zap.Error(err))
	}

	return c.JSON(verifyResponse{Result: result, Manifest: manifest, ManifestRef: ref})
}

// validateLLMFields enforces the request envelope bounds. Violations are
// client-facing input errors: no sandbox execution happens.
func (r *interceptRequest) validateLLMFields() error {
	switch r.LLMProvider {
	case "", "openai", "nvidia", "custom":
	default:
		return fmt.Errorf("unsupported llm_provider %q", r.LLMProvider)
	}
	if r.LLMTimeoutS != 0 && (r.LLMTimeoutS < 1 || r.LLMTimeoutS > 600) {
		return fmt.Errorf("llm_timeout_s must be in [1,600]")
	}
	if r.LLMTemperature != nil && (*r.LLMTemperature < 0 || *r.LLMTemperature > 2) {
		return fmt.Errorf("llm_temperature must be in [0,2]")
	}
	if r.LLMTopP != nil && (*r.LLMTopP <= 0 || *r.LLMTopP > 1) {
		return fmt.Errorf("llm_top_p must be in (0,1]")
	}
	if r.LLMMaxTokens != nil && *r.LLMMaxTokens < 1 {
		return fmt.Errorf("llm_max_tokens must be positive")
	}
	return nil
}

// buildService assembles the per-request intercept pipeline with the
// request's LLM overrides layered over the configured defaults.
func (s *Server) buildService(req *interceptRequest) (*interceptor.Service, error) {
	provider := req.LLMProvider
	if provider == "" {
		provider = s.cfg.LLM.Provider
	}
	model := req.ModelName
	if model == "" {
		model = s.cfg.LLM.Model
	}
	timeout := req.LLMTimeoutS
	if timeout == 0 {
		timeout = s.cfg.LLM.TimeoutS
	}

	client, err := gateway.NewClient(gateway.Options{
		Provider:    provider,
		Model:       model,
		APIBase:     req.LLMAPIBase,
		APIKey:      req.LLMAPIKey,
		ExtraBody:   req.LLMExtraBody,
		TimeoutS:    timeout,
		MaxTokens:   req.LLMMaxTokens,
		Temperature: req.LLMTemperature,
		TopP:        req.LLMTopP,
	}, s.slicer)
	if err != nil {
		return nil, err
	}

	extractor := interceptor.NewExtractor(s.slicer)
	return interceptor.NewService(client, extractor, s.executor, sandbox.PlanOptions{}), nil
}

// handleIntercept runs governance + cloud generation + extraction + sandbox
// verification once.
func (s *Server) handleIntercept(c *fiber.Ctx) error {
	var req interceptRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid JSON body"})
	}
	if req.RequestID == "" {
		req.RequestID = "anonymous"
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	if err := req.validateLLMFields(); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{Error: err.Error()})
	}
	mode, err := s.resolveMode(req.Mode)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{Error: err.Error()})
	}

	svc, err := s.buildService(&req)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownProvider) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{Error: err.Error()})
		}
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}

	resp, err := svc.Process(c.Context(), types.ContextPayload{
		RequestID: req.RequestID,
		Attempt:   req.Attempt,
		Files:     req.Files,
		Content:   req.Content,
	}, mode)
	if err != nil {
		if errors.Is(err, sandbox.ErrBackpressure) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	return c.JSON(resp)
}

// handleOrchestrate drives the bounded retry circuit breaker (up to three
// attempts) and returns the final orchestration result.
func (s *Server) handleOrchestrate(c *fiber.Ctx) error {
	var req interceptRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid JSON body"})
	}
	if req.RequestID == "" {
		req.RequestID = "anonymous"
	}

	if err := req.validateLLMFields(); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{Error: err.Error()})
	}
	mode, err := s.resolveMode(req.Mode)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{Error: err.Error()})
	}

	svc, err := s.buildService(&req)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownProvider) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{Error: err.Error()})
		}
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}

	orch := orchestrator.New(svc, s.ledger, s.manifests, s.fingerprint, s.baseline, s.planHash)
	result, _, err := orch.Run(c.Context(), types.RequestEnvelope{
		RequestID:  req.RequestID,
		UserPrompt: req.Content,
		Mode:       mode,
	}, req.Files)
	if err != nil {
		if errors.Is(err, sandbox.ErrBackpressure) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	return c.JSON(result)
}

// handleGetManifest retrieves the attestation manifest for a completed
// request, 404 when none is stored.
func (s *Server) handleGetManifest(c *fiber.Ctx) error {
	requestID := c.Params("request_id")
	manifest, err := s.manifests.Get(requestID)
	if err != nil {
		if errors.Is(err, attestation.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(errorResponse{
				Error: fmt.Sprintf("no attestation manifest found for request_id=%q", requestID),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	return c.JSON(manifest)
}
