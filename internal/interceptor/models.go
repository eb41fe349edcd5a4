// Package interceptor is the pre-egress half of the pipeline: governance
// policy checks, secret redaction, injection minimization, candidate
// extraction, and the single-shot intercept service that chains them with
// cloud generation and sandbox verification.
package interceptor

import (
	"time"

	"dhi/internal/types"
)

// AuditRecord is the audit trail for pre-egress governance checks on one
// request. Redaction counts feed the redaction report consumed downstream.
type AuditRecord struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	FileCount                  int  `json:"file_count"`
	RedactionCount             int  `json:"redaction_count"`
	HighEntropyRedactionCount  int  `json:"high_entropy_redaction_count"`
	PromptMinimized            bool `json:"prompt_minimized"`

	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"block_reason,omitempty"`

	// SecretLeakDetected is true when a confirmed secret pattern was found
	// and redacted. Confirmed leaks block cloud egress entirely.
	SecretLeakDetected bool `json:"secret_leak_detected"`

	// BytesSent is the outbound payload size after governance processing.
	BytesSent int `json:"bytes_sent"`
}

// ExtractionResult is the outcome of extracting candidate code from raw LLM
// output.
type ExtractionResult struct {
	Success      bool   `json:"success"`
	Code         string `json:"code"`
	Language     string `json:"language,omitempty"`
	Notes        string `json:"notes"`
	FallbackUsed bool   `json:"fallback_used"`
	Error        string `json:"error,omitempty"`
}

// Response combines governance, extraction, and sandbox verification for a
// single intercept pass.
type Response struct {
	RequestID          string                    `json:"request_id"`
	Audit              AuditRecord               `json:"audit"`
	LLMNotes           string                    `json:"llm_notes"`
	ExtractionSuccess  bool                      `json:"extraction_success"`
	ExtractionError    string                    `json:"extraction_error,omitempty"`
	VerificationResult *types.VerificationResult `json:"verification_result,omitempty"`
}
