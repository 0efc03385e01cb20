package provider

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// sseStream reads `data: {...}` frames from a server-sent event body and
// yields each decoded JSON object. "[DONE]" ends the stream; frames that do
// not decode are skipped so one bad frame never kills the generation.
type sseStream struct {
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	done     bool
}

func newSSEStream(provider string, body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{provider: provider, body: body, scanner: sc}
}

func (s *sseStream) Next() (any, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("skipping undecodable stream frame", "provider", s.provider, "err", err)
			continue
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	s.done = true
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

// singleStream wraps a non-streaming response as a one-chunk stream.
type singleStream struct {
	chunk any
	used  bool
}

func (s *singleStream) Next() (any, error) {
	if s.used {
		return nil, io.EOF
	}
	s.used = true
	return s.chunk, nil
}

func (s *singleStream) Close() error { return nil }
