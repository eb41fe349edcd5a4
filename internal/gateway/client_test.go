package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"dhi/internal/types"
)

func TestNewClientProviderValidation(t *testing.T) {
	_, err := NewClient(Options{Provider: "anthropic"}, nil)
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewClient(Options{Provider: "openai", APIKey: "sk-test"}, nil)
	require.NoError(t, err)

	_, err = NewClient(Options{Provider: "custom", APIKey: "key", APIBase: "http://localhost:9999/v1"}, nil)
	require.NoError(t, err)
}

func TestNewClientNvidiaRequiresKey(t *testing.T) {
	t.Setenv("NVIDIA_API_KEY", "")
	_, err := NewClient(Options{Provider: "nvidia"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NVIDIA_API_KEY")

	t.Setenv("NVIDIA_API_KEY", "nvapi-test")
	client, err := NewClient(Options{Provider: "nvidia"}, nil)
	require.NoError(t, err)
	require.Equal(t, defaultNvidiaAPIBase, client.opts.APIBase)
}

func TestGenerate(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"language\":\"python\",\"code\":\"print(2)\",\"notes\":\"ok\"}"}}]}`))
	}))
	defer srv.Close()

	temp := 0.2
	client, err := NewClient(Options{
		Provider:    "custom",
		Model:       "test-model",
		APIBase:     srv.URL + "/v1",
		APIKey:      "test-key",
		Temperature: &temp,
		ExtraBody:   map[string]any{"chat_template_kwargs": map[string]any{"thinking": true}},
	}, nil)
	require.NoError(t, err)

	raw, err := client.Generate(context.Background(), types.ContextPayload{
		RequestID: "req-gen",
		Attempt:   1,
		Files:     []string{"src/main.py"},
		Content:   "add a function",
	})
	require.NoError(t, err)
	require.Contains(t, raw, "print(2)")

	require.Equal(t, "test-model", captured["model"])
	require.Equal(t, 0.2, captured["temperature"])
	require.NotNil(t, captured["response_format"], "non-nvidia providers request strict JSON")
	require.NotNil(t, captured["chat_template_kwargs"], "extra body must pass through opaquely")

	messages := captured["messages"].([]any)
	require.Len(t, messages, 2)
	system := messages[0].(map[string]any)
	require.Equal(t, "system", system["role"])
	require.Contains(t, system["content"], "Dhi")
	user := messages[1].(map[string]any)
	require.Contains(t, user["content"], "Request ID: req-gen")
	require.Contains(t, user["content"], "src/main.py")
}

func TestGenerateSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Options{
		Provider: "custom", Model: "m", APIBase: srv.URL, APIKey: "k",
	}, nil)
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), types.ContextPayload{RequestID: "r", Attempt: 1, Content: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Options{Provider: "custom", Model: "m", APIBase: srv.URL, APIKey: "k"}, nil)
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), types.ContextPayload{RequestID: "r", Attempt: 1, Content: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no completion")
}

func TestTargetFromContent(t *testing.T) {
	cases := []struct {
		content    string
		wantTarget string
		wantLine   int
	}{
		{"area\nfix the math", "area", 0},
		{"42\nwhat happens here", "", 42},
		{"line 17\nexplain", "", 17},
		{"Line 8", "", 8},
		{"fix the bug in the parser", "", 0},
		{"", "", 0},
		{"9lives", "", 0},
	}

	for _, tc := range cases {
		target, line := targetFromContent(tc.content)
		if target != tc.wantTarget || line != tc.wantLine {
			t.Errorf("targetFromContent(%q) = (%q, %d), want (%q, %d)",
				tc.content, target, line, tc.wantTarget, tc.wantLine)
		}
	}
}
