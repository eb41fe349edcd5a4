package interceptor

import (
	"encoding/json"
	"regexp"
	"strings"

	"dhi/internal/logging"
	"dhi/internal/slicer"
)

var fencePattern = regexp.MustCompile("(?s)```(?P<lang>[A-Za-z0-9_+-]*)\n(?P<code>.*?)```")

// llmResponse is the structured JSON contract expected from the model.
type llmResponse struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Notes    string `json:"notes"`
}

// Extractor pulls candidate code out of raw LLM output: strict JSON first,
// fenced-markdown fallback second. Python candidates are syntax-gated before
// sandbox handoff.
type Extractor struct {
	slicer *slicer.Slicer
}

// NewExtractor creates an extractor sharing the given parser.
func NewExtractor(s *slicer.Slicer) *Extractor {
	return &Extractor{slicer: s}
}

// Extract parses candidate code from raw model output.
func (e *Extractor) Extract(responseText string) ExtractionResult {
	if strings.TrimSpace(responseText) == "" {
		return ExtractionResult{Error: "raw LLM response was empty"}
	}

	if structured := parseStructuredResponse(responseText); structured != nil {
		return e.buildResult(structured.Code, structured.Language, structured.Notes, false)
	}

	logging.Get(logging.CategoryGovernance).Debug("primary JSON extraction failed, using markdown fallback parser")
	return e.parseMarkdownFallback(responseText)
}

func stripJSONFence(responseText string) string {
	stripped := strings.TrimSpace(responseText)
	if strings.HasPrefix(stripped, "```json") && strings.HasSuffix(stripped, "```") {
		stripped = strings.TrimPrefix(stripped, "```json")
		stripped = strings.TrimSuffix(stripped, "```")
	}
	return strings.TrimSpace(stripped)
}

func parseStructuredResponse(responseText string) *llmResponse {
	cleaned := stripJSONFence(responseText)

	var parsed llmResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil
	}
	if parsed.Code == "" && parsed.Language == "" {
		return nil
	}
	return &parsed
}

func (e *Extractor) buildResult(code, language, notes string, fallbackUsed bool) ExtractionResult {
	language = strings.ToLower(strings.TrimSpace(language))

	var validationError string
	if strings.TrimSpace(code) == "" {
		validationError = "candidate code is completely empty"
	} else if language == "python" {
		validationError = e.slicer.ValidatePython(code)
	}

	if validationError != "" {
		return ExtractionResult{
			Code:         code,
			Language:     language,
			Notes:        notes,
			FallbackUsed: fallbackUsed,
			Error:        validationError,
		}
	}

	return ExtractionResult{
		Success:      true,
		Code:         code,
		Language:     language,
		Notes:        notes,
		FallbackUsed: fallbackUsed,
	}
}

func (e *Extractor) parseMarkdownFallback(responseText string) ExtractionResult {
	match := fencePattern.FindStringSubmatch(responseText)
	if match == nil {
		return ExtractionResult{
			FallbackUsed: true,
			Error:        "could not extract code via JSON or Markdown blocks",
		}
	}

	language := match[1]
	if language == "" {
		language = "python"
	}
	code := strings.TrimSpace(match[2])
	return e.buildResult(code, language, "", true)
}

// IsSyntaxError reports whether an extraction error represents a candidate
// syntax failure (retryable by the circuit breaker) rather than a transport
// or formatting failure.
func IsSyntaxError(extractionError string) bool {
	return strings.Contains(strings.ToLower(extractionError), "syntaxerror")
}
