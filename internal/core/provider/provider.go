// Package provider holds the upstream completion clients. Requests and
// messages are provider-agnostic; each adapter translates them to the
// provider's wire format.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one conversation turn sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a provider-agnostic completion call.
type CompletionRequest struct {
	Provider string
	Model    string
	APIKey   string
	Messages []Message
	Stream   bool
}

// Stream yields raw response chunks until io.EOF. Chunk shapes differ per
// provider; the stream normalizer turns them into text increments.
type Stream interface {
	Next() (any, error)
	Close() error
}

// Completer invokes an upstream completion API.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Stream, error)
}

// UpstreamError is a non-2xx provider response or transport failure.
// It is terminal: HTTP errors are never retried.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

const (
	maxTokens      = 4000
	requestTimeout = 60 * time.Second
)

// Registry dispatches completion calls by provider tag. Providers without a
// dedicated adapter are assumed to speak the OpenAI-compatible wire format,
// which is what most hosted gateways expose.
type Registry struct {
	openAIBase    string
	anthropicBase string
	client        *http.Client
}

func NewRegistry(openAIBase, anthropicBase string) *Registry {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Registry{
		openAIBase:    strings.TrimRight(openAIBase, "/"),
		anthropicBase: strings.TrimRight(anthropicBase, "/"),
		client:        &http.Client{Transport: transport, Timeout: requestTimeout},
	}
}

func (r *Registry) Complete(ctx context.Context, req CompletionRequest) (Stream, error) {
	switch strings.ToLower(req.Provider) {
	case "anthropic":
		return r.completeAnthropic(ctx, req)
	default:
		return r.completeOpenAI(ctx, req)
	}
}

func drainBody(body io.ReadCloser) string {
	defer body.Close()
	b, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(b)
}
