// Package gateway marshals outbound generation requests to OpenAI-compatible
// cloud providers. The core treats provider payloads as opaque beyond the
// provider enumeration; per-request overrides are permitted for key, base,
// and timeout only.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"dhi/internal/logging"
	"dhi/internal/slicer"
	"dhi/internal/types"
)

// SystemPrompt is the fixed, policy-layered instruction set. Repository text
// travels only in the user message and cannot alter these instructions.
const SystemPrompt = `You are Dhi, an advanced AI software engineer.
You will be provided with context files and a user request context.
Your task is to analyze the context and return a secure, robust code solution.
You MUST format your entire response as a single, valid JSON object containing exactly three keys:
{
  "language": "python",
  "code": "print('hello')",
  "notes": "My reasoning and explanation."
}
DO NOT wrap the code value inside markdown fences within the JSON property.
Your response must be parseable by standard JSON parsers.`

const defaultNvidiaAPIBase = "https://integrate.api.nvidia.com/v1"
const defaultOpenAIAPIBase = "https://api.openai.com/v1"

// ErrUnknownProvider is returned for providers outside the supported set.
var ErrUnknownProvider = errors.New("unsupported LLM provider (openai, nvidia, custom)")

// Gateway is the abstract generation interface the orchestrator depends on.
type Gateway interface {
	Generate(ctx context.Context, payload types.ContextPayload) (string, error)
}

// Options configure one client instance. Per-request overrides construct a
// fresh client; resource limits are never overridable here.
type Options struct {
	Provider    string
	Model       string
	APIBase     string
	APIKey      string
	ExtraBody   map[string]any
	TimeoutS    float64
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
}

// Client is an OpenAI-compatible chat-completions client.
type Client struct {
	opts       Options
	httpClient *http.Client
	slicer     *slicer.Slicer
}

// NewClient validates the provider, resolves credentials, and builds a
// client. The slicer is optional; without it raw content is sent.
func NewClient(opts Options, s *slicer.Slicer) (*Client, error) {
	opts.Provider = strings.ToLower(strings.TrimSpace(opts.Provider))
	switch opts.Provider {
	case "openai", "nvidia", "custom":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Provider)
	}

	if opts.TimeoutS <= 0 {
		opts.TimeoutS = 120
	}

	switch opts.Provider {
	case "nvidia":
		if opts.APIBase == "" {
			opts.APIBase = os.Getenv("NVIDIA_API_BASE")
		}
		if opts.APIBase == "" {
			opts.APIBase = defaultNvidiaAPIBase
		}
		if opts.APIKey == "" {
			opts.APIKey = os.Getenv("NVIDIA_API_KEY")
		}
		if opts.APIKey == "" {
			return nil, fmt.Errorf("NVIDIA_API_KEY is required when llm_provider=\"nvidia\"")
		}
	default:
		if opts.APIKey == "" {
			opts.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if opts.APIBase == "" {
			opts.APIBase = defaultOpenAIAPIBase
		}
	}

	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout: time.Duration(opts.TimeoutS * float64(time.Second)),
		},
		slicer: s,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends the governed context to the configured provider and returns
// the raw model output. Every call carries an explicit deadline.
func (c *Client) Generate(ctx context.Context, payload types.ContextPayload) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()
	if c.opts.APIKey == "" {
		return "", fmt.Errorf("API key not configured for provider %q", c.opts.Provider)
	}

	prompt := c.buildPrompt(payload)

	body := map[string]any{
		"model": c.opts.Model,
		"messages": []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	if c.opts.MaxTokens != nil {
		body["max_tokens"] = *c.opts.MaxTokens
	}
	if c.opts.Temperature != nil {
		body["temperature"] = *c.opts.Temperature
	}
	if c.opts.TopP != nil {
		body["top_p"] = *c.opts.TopP
	}

	// NVIDIA's OpenAI-compatible endpoint may reject strict JSON response
	// formatting; the extraction fallback covers it there.
	if c.opts.Provider != "nvidia" {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	for k, v := range c.opts.ExtraBody {
		body[k] = v
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.opts.APIBase, "/")+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("LLM gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("LLM API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("LLM API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no completion returned")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	logging.Gateway("generation completed request_id=%s provider=%s model=%s elapsed=%v response_len=%d",
		payload.RequestID, c.opts.Provider, c.opts.Model, time.Since(start), len(content))
	return content, nil
}

// buildPrompt assembles the user message, preferring an AST slice of the
// first context file over raw content when the slicer can find a target.
func (c *Client) buildPrompt(payload types.ContextPayload) string {
	contextContent := payload.Content

	if c.slicer != nil && len(payload.Files) > 0 {
		if sliced := c.sliceContext(payload); sliced != "" {
			contextContent = sliced
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Request ID: %s\n\n", payload.RequestID)
	if len(payload.Files) > 0 {
		b.WriteString("CONTEXT FILES:\n")
		b.WriteString(strings.Join(payload.Files, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString("CONTEXT CONTENT:\n")
	b.WriteString(contextContent)
	return strings.TrimSpace(b.String())
}

func (c *Client) sliceContext(payload types.ContextPayload) string {
	filePath := payload.Files[0]
	target, line := targetFromContent(payload.Content)

	result := c.slicer.Slice(slicer.SliceRequest{
		FilePath:   filePath,
		Target:     target,
		TargetLine: line,
	})
	if !result.Found {
		logging.SlicerDebug("slice found=false for request %s target=%q: %s; falling back to raw content",
			payload.RequestID, result.Target, result.Error)
		return ""
	}

	logging.Slicer("AST slice active for request %s: target=%s symbols=%d bytes=%d",
		payload.RequestID, result.Target, result.SymbolCount, result.SliceBytes)
	return fmt.Sprintf("[AST Slice] target=%s symbols=%d bytes=%d\n\n%s",
		result.Target, result.SymbolCount, result.SliceBytes, result.Source)
}

// targetFromContent reads an explicit slice target off the first prompt
// line: a bare identifier, a bare line number, or "line N".
func targetFromContent(content string) (string, int) {
	stripped := strings.TrimSpace(content)
	if stripped == "" {
		return "", 0
	}

	firstLine := strings.TrimSpace(strings.SplitN(stripped, "\n", 2)[0])

	if isIdentifier(firstLine) {
		return firstLine, 0
	}
	if n := parseInt(firstLine); n > 0 {
		return "", n
	}
	lower := strings.ToLower(firstLine)
	if strings.HasPrefix(lower, "line ") {
		if n := parseInt(strings.TrimSpace(lower[len("line "):])); n > 0 {
			return "", n
		}
	}
	return "", 0
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func parseInt(s string) int {
	n := 0
	if s == "" {
		return 0
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
