package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/core/relay"
)

type ChatHandler struct {
	relay *relay.Relay
}

func NewChatHandler(chatRelay *relay.Relay) *ChatHandler {
	return &ChatHandler{relay: chatRelay}
}

type chatRequest struct {
	Message         string  `json:"message"`
	ThreadID        string  `json:"thread_id"`
	Provider        string  `json:"provider"`
	ModelName       string  `json:"model_name"`
	Stream          *bool   `json:"stream"` // defaults to true
	BranchID        *string `json:"branch_id"`
	ResumeFromChunk *int    `json:"resume_from_chunk"`
	StreamID        string  `json:"stream_id"`
}

// Chat runs one chat completion. With stream=true the response is a
// server-sent event sequence of relay frames; with stream=false the frames
// are aggregated into one JSON object. Once the event stream has started,
// failures arrive as in-band error frames, not HTTP statuses.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	resuming := req.StreamID != "" && req.ResumeFromChunk != nil
	if !resuming && (req.Message == "" || req.Provider == "" || req.ModelName == "") {
		http.Error(w, "message, provider and model_name are required", http.StatusBadRequest)
		return
	}

	streaming := req.Stream == nil || *req.Stream
	relayReq := relay.Request{
		UserID:          userID,
		Message:         req.Message,
		ThreadID:        req.ThreadID,
		Provider:        req.Provider,
		ModelName:       req.ModelName,
		Stream:          streaming,
		BranchID:        req.BranchID,
		StreamID:        req.StreamID,
		ResumeFromChunk: req.ResumeFromChunk,
	}

	// The generation keeps running and persisting server-side even when the
	// client goes away; cached increments stay replayable until terminal.
	ctx := context.WithoutCancel(r.Context())

	if streaming {
		h.chatSSE(ctx, w, relayReq)
		return
	}
	h.chatJSON(ctx, w, relayReq)
}

func (h *ChatHandler) chatSSE(ctx context.Context, w http.ResponseWriter, req relay.Request) {
	flusher, canFlush := w.(http.Flusher)
	started := false

	emit := func(f relay.Frame) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			started = true
		}
		payload, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	if err := h.relay.Chat(ctx, req, emit); err != nil && !started {
		writeChatError(w, err)
	}
}

func (h *ChatHandler) chatJSON(ctx context.Context, w http.ResponseWriter, req relay.Request) {
	var content strings.Builder
	var terminal relay.Frame

	emit := func(f relay.Frame) error {
		if f.Content != "" {
			content.WriteString(f.Content)
		}
		if f.Done || f.Error != "" {
			terminal = f
		}
		return nil
	}

	if err := h.relay.Chat(ctx, req, emit); err != nil {
		writeChatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if terminal.Error != "" {
		json.NewEncoder(w).Encode(map[string]any{
			"error":     terminal.Error,
			"stream_id": terminal.StreamID,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"content":      content.String(),
		"done":         true,
		"thread_id":    terminal.ThreadID,
		"total_chunks": terminal.TotalChunks,
		"stream_id":    terminal.StreamID,
	})
}

func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNoCredential):
		http.Error(w, core.ErrNoCredential.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrNotFound):
		http.Error(w, "thread not found", http.StatusNotFound)
	case errors.Is(err, core.ErrCipher):
		http.Error(w, "server encryption key misconfigured", http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
