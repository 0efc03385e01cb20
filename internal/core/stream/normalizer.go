// Package stream normalizes heterogeneous upstream completion responses
// into one ordered sequence of text increments, and caches emitted
// increments so a dropped client can resume mid-generation.
package stream

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/keyrelay/keyrelay/internal/core/provider"
)

// MaxIncrements bounds pathological infinite generators. A stream hitting
// the cap is truncated, not failed.
const MaxIncrements = 10000

// Variant identifies which known chunk shape matched during extraction.
// Unrecognized is explicit: callers drop those chunks instead of coercing
// them into text.
type Variant int

const (
	VariantText Variant = iota
	VariantDeltaContent
	VariantMessageContent
	VariantMappedKey
	VariantStringy
	VariantUnrecognized
)

// Extract classifies a raw chunk and pulls its text increment. Shapes are
// tried in priority order:
//
//  1. plain text
//  2. choices[0].delta.content (token streaming)
//  3. choices[0].message.content (aggregate response)
//  4. a mapping keyed content/text/message/delta, delta possibly nested
//  5. any other value whose textual form is not an opaque placeholder
//
// Everything else is VariantUnrecognized with an empty string.
func Extract(chunk any) (string, Variant) {
	switch v := chunk.(type) {
	case nil:
		return "", VariantUnrecognized
	case string:
		return v, VariantText
	case map[string]any:
		if text, variant, ok := extractChoices(v); ok {
			return text, variant
		}
		if text, ok := extractMapped(v); ok {
			return text, VariantMappedKey
		}
		return "", VariantUnrecognized
	}

	if s, ok := chunk.(fmt.Stringer); ok {
		if text := s.String(); !looksOpaque(text) {
			return text, VariantStringy
		}
		return "", VariantUnrecognized
	}
	if text := fmt.Sprintf("%v", chunk); !looksOpaque(text) {
		return text, VariantStringy
	}
	return "", VariantUnrecognized
}

func extractChoices(m map[string]any) (string, Variant, bool) {
	choices, ok := m["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", VariantUnrecognized, false
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return "", VariantUnrecognized, false
	}
	if delta, ok := first["delta"].(map[string]any); ok {
		if content, ok := delta["content"].(string); ok && content != "" {
			return content, VariantDeltaContent, true
		}
	}
	if msg, ok := first["message"].(map[string]any); ok {
		if content, ok := msg["content"].(string); ok {
			return content, VariantMessageContent, true
		}
	}
	return "", VariantUnrecognized, false
}

var mappedKeys = []string{"content", "text", "message", "delta"}

func extractMapped(m map[string]any) (string, bool) {
	for _, key := range mappedKeys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch inner := v.(type) {
		case string:
			if inner != "" {
				return inner, true
			}
		case map[string]any:
			// One nested level, e.g. {"delta": {"text": ...}}.
			for _, nested := range mappedKeys {
				if s, ok := inner[nested].(string); ok && s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}

// looksOpaque reports whether a textual representation is a default Go
// placeholder rather than real content.
func looksOpaque(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || s == "<nil>" {
		return true
	}
	for _, prefix := range []string{"map[", "&{", "{", "[", "%!"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// Normalizer drains a provider stream and yields text increments. It is
// lazy, finite and non-restartable; a malformed chunk is logged and skipped,
// never fatal.
type Normalizer struct {
	src       provider.Stream
	count     int
	truncated bool
}

func NewNormalizer(src provider.Stream) *Normalizer {
	return &Normalizer{src: src}
}

// Next returns the next non-empty increment, io.EOF at end of stream, or
// the transport error that interrupted the generation.
func (n *Normalizer) Next() (string, error) {
	for {
		if n.count >= MaxIncrements {
			if !n.truncated {
				n.truncated = true
				slog.Warn("increment cap reached, truncating stream", "cap", MaxIncrements)
			}
			return "", io.EOF
		}
		chunk, err := n.src.Next()
		if err != nil {
			return "", err
		}
		text, variant := Extract(chunk)
		if variant == VariantUnrecognized {
			slog.Debug("dropping unrecognized chunk", "chunk", fmt.Sprintf("%.120v", chunk))
			continue
		}
		if text == "" {
			continue
		}
		n.count++
		return text, nil
	}
}

// Count reports how many increments have been emitted so far.
func (n *Normalizer) Count() int { return n.count }

func (n *Normalizer) Close() error { return n.src.Close() }
