package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/keyrelay/keyrelay/internal/models"
)

const anthropicVersion = "2023-06-01"

// completeAnthropic calls the Anthropic messages API. System messages are
// lifted out of the history into the dedicated system field.
func (r *Registry) completeAnthropic(ctx context.Context, req CompletionRequest) (Stream, error) {
	var system string
	formatted := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			system = m.Content
			continue
		}
		formatted = append(formatted, m)
	}

	payload := map[string]any{
		"model":      req.Model,
		"messages":   formatted,
		"max_tokens": maxTokens,
		"stream":     req.Stream,
	}
	if system != "" {
		payload["system"] = system
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.anthropicBase+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Provider: req.Provider, StatusCode: resp.StatusCode, Message: drainBody(resp.Body)}
	}

	if req.Stream {
		return &anthropicStream{inner: newSSEStream(req.Provider, resp.Body)}, nil
	}

	defer resp.Body.Close()
	var decoded struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	var text string
	if len(decoded.Content) > 0 {
		text = decoded.Content[0].Text
	}
	return &singleStream{chunk: text}, nil
}

// anthropicStream filters the event stream down to content_block_delta text.
type anthropicStream struct {
	inner *sseStream
}

func (s *anthropicStream) Next() (any, error) {
	for {
		chunk, err := s.inner.Next()
		if err != nil {
			return nil, err
		}
		m, ok := chunk.(map[string]any)
		if !ok {
			continue
		}
		if m["type"] != "content_block_delta" {
			continue
		}
		delta, ok := m["delta"].(map[string]any)
		if !ok {
			continue
		}
		if text, ok := delta["text"].(string); ok && text != "" {
			return text, nil
		}
	}
}

func (s *anthropicStream) Close() error { return s.inner.Close() }

var _ Stream = (*anthropicStream)(nil)
