package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s Stream) []any {
	t.Helper()
	defer s.Close()
	var out []any
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk)
	}
}

func sseBody(payloads ...string) string {
	var b string
	for _, p := range payloads {
		b += "data: " + p + "\n\n"
	}
	return b
}

func TestCompleteOpenAI_Streaming(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			"[DONE]",
		))
	}))
	defer srv.Close()

	r := NewRegistry(srv.URL, srv.URL)
	s, err := r.Complete(context.Background(), CompletionRequest{
		Provider: "openai",
		Model:    "gpt-4o",
		APIKey:   "sk-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)

	chunks := drain(t, s)
	require.Len(t, chunks, 2)
	first, ok := chunks[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, first, "choices")

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", gotPayload["model"])
	assert.Equal(t, true, gotPayload["stream"])
	assert.Equal(t, float64(maxTokens), gotPayload["max_tokens"])
}

func TestCompleteOpenAI_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"full answer"}}]}`)
	}))
	defer srv.Close()

	r := NewRegistry(srv.URL, srv.URL)
	s, err := r.Complete(context.Background(), CompletionRequest{Provider: "openai", Model: "gpt-4o", Stream: false})
	require.NoError(t, err)

	chunks := drain(t, s)
	require.Len(t, chunks, 1)
	m, ok := chunks[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, m, "choices")
}

func TestCompleteOpenAI_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	r := NewRegistry(srv.URL, srv.URL)
	_, err := r.Complete(context.Background(), CompletionRequest{Provider: "openai", Model: "gpt-4o", Stream: true})
	require.Error(t, err)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)
	assert.Equal(t, "openai", upstream.Provider)
	assert.Contains(t, upstream.Message, "bad key")
}

func TestCompleteAnthropic_Streaming(t *testing.T) {
	var gotKey, gotVersion string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"type":"message_start","message":{}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"message_stop"}`,
		))
	}))
	defer srv.Close()

	r := NewRegistry(srv.URL, srv.URL)
	s, err := r.Complete(context.Background(), CompletionRequest{
		Provider: "anthropic",
		Model:    "claude-3-5-sonnet",
		APIKey:   "sk-ant",
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		Stream: true,
	})
	require.NoError(t, err)

	// Control frames are filtered out; only delta text comes through.
	chunks := drain(t, s)
	assert.Equal(t, []any{"Hel", "lo"}, chunks)

	assert.Equal(t, "sk-ant", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.Equal(t, "be terse", gotPayload["system"])
	msgs, ok := gotPayload["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1) // system lifted out of the history
}

func TestCompleteAnthropic_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[{"type":"text","text":"full answer"}]}`)
	}))
	defer srv.Close()

	r := NewRegistry(srv.URL, srv.URL)
	s, err := r.Complete(context.Background(), CompletionRequest{Provider: "anthropic", Model: "claude-3-5-sonnet", Stream: false})
	require.NoError(t, err)

	chunks := drain(t, s)
	assert.Equal(t, []any{"full answer"}, chunks)
}

func TestCompleteAnthropic_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	r := NewRegistry(srv.URL, srv.URL)
	_, err := r.Complete(context.Background(), CompletionRequest{Provider: "anthropic", Model: "claude-3-5-sonnet", Stream: true})

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
}

func TestUnknownProvider_UsesOpenAIWireFormat(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	r := NewRegistry(srv.URL, srv.URL)
	s, err := r.Complete(context.Background(), CompletionRequest{Provider: "together", Model: "llama-3", Stream: false})
	require.NoError(t, err)
	drain(t, s)
	assert.True(t, hit)
}

func TestSSEStream_SkipsBadFramesAndComments(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		": keepalive\n\n" +
			"data: not-json\n\n" +
			"data: {\"ok\":true}\n\n" +
			"data: [DONE]\n\n" +
			"data: {\"after\":\"done\"}\n\n",
	))
	s := newSSEStream("test", body)

	chunk, err := s.Next()
	require.NoError(t, err)
	m, ok := chunk.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["ok"])

	_, err = s.Next()
	assert.Equal(t, io.EOF, err)
	// Stream stays terminated after [DONE].
	_, err = s.Next()
	assert.Equal(t, io.EOF, err)
}
