package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// completeOpenAI calls the OpenAI chat completions API, or any
// OpenAI-compatible endpoint for providers without a dedicated adapter.
func (r *Registry) completeOpenAI(ctx context.Context, req CompletionRequest) (Stream, error) {
	payload := map[string]any{
		"model":      req.Model,
		"messages":   req.Messages,
		"stream":     req.Stream,
		"max_tokens": maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.openAIBase+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", req.Provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Provider: req.Provider, StatusCode: resp.StatusCode, Message: drainBody(resp.Body)}
	}

	if req.Stream {
		return newSSEStream(req.Provider, resp.Body), nil
	}

	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Provider, err)
	}
	return &singleStream{chunk: decoded}, nil
}
