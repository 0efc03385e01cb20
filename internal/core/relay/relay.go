// Package relay wires credential resolution, conversation persistence, the
// upstream completion call and the stream normalizer into the end-to-end
// chat request flow.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyrelay/keyrelay/internal/core"
	db "github.com/keyrelay/keyrelay/internal/core/database"
	"github.com/keyrelay/keyrelay/internal/core/keyring"
	"github.com/keyrelay/keyrelay/internal/core/provider"
	"github.com/keyrelay/keyrelay/internal/core/stream"
	"github.com/keyrelay/keyrelay/internal/models"
)

// FailurePlaceholder is persisted as the assistant content when a
// generation fails before producing any text. Partial output, when present,
// is persisted instead; it is never silently dropped.
const FailurePlaceholder = "(generation failed)"

// titleLimit is how much of the seed message becomes a new thread's title.
const titleLimit = 50

// defaultReplayDelay paces cached increments on resume to emulate
// real-time delivery.
const defaultReplayDelay = 25 * time.Millisecond

// Request is one chat invocation.
type Request struct {
	UserID    string
	Message   string
	ThreadID  string // empty means create a new thread
	Provider  string
	ModelName string
	Stream    bool
	BranchID  *string

	// StreamID correlates this generation with the resumable cache. Blank
	// means the relay generates one.
	StreamID string
	// ResumeFromChunk, together with StreamID, asks for a replay of cached
	// increments instead of a fresh generation.
	ResumeFromChunk *int
}

// Frame is one server-push event. Content frames carry an increment and
// its index; the terminal frame is either done or error, never both.
type Frame struct {
	Content     string `json:"content,omitempty"`
	ChunkIndex  *int   `json:"chunk_index,omitempty"`
	Done        bool   `json:"done,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	TotalChunks *int   `json:"total_chunks,omitempty"`
	Error       string `json:"error,omitempty"`
	StreamID    string `json:"stream_id,omitempty"`
}

func contentFrame(text string, index int, streamID string) Frame {
	return Frame{Content: text, ChunkIndex: &index, StreamID: streamID}
}

func doneFrame(threadID string, total int, streamID string) Frame {
	return Frame{Done: true, ThreadID: threadID, TotalChunks: &total, StreamID: streamID}
}

func errorFrame(msg, streamID string) Frame {
	return Frame{Error: msg, StreamID: streamID}
}

// Emitter delivers one frame to the client. A delivery error marks the
// client gone; generation and persistence continue regardless.
type Emitter func(Frame) error

type Relay struct {
	db          db.DbClient
	keys        *keyring.Resolver
	completer   provider.Completer
	cache       stream.Cache
	replayDelay time.Duration
}

func NewRelay(dbclient db.DbClient, keys *keyring.Resolver, completer provider.Completer, cache stream.Cache) *Relay {
	return &Relay{
		db:          dbclient,
		keys:        keys,
		completer:   completer,
		cache:       cache,
		replayDelay: defaultReplayDelay,
	}
}

// Chat runs one chat request through the full pipeline.
//
// Errors returned here occurred before streaming began and map to plain
// HTTP statuses (core.ErrNoCredential, core.ErrNotFound, core.ErrCipher).
// Once the upstream call starts, failures are delivered as in-band error
// frames and the user's message stays persisted.
func (r *Relay) Chat(ctx context.Context, req Request, emit Emitter) error {
	if req.StreamID != "" && req.ResumeFromChunk != nil {
		if cached := r.cache.Replay(req.StreamID, 0); len(cached) > 0 {
			r.replay(req, emit)
			return nil
		}
		// Nothing cached for that stream: fall through to a fresh
		// generation under the same stream id.
	}

	secret, err := r.keys.Resolve(ctx, req.UserID, req.Provider, req.ModelName)
	if err != nil {
		return err
	}

	thread, err := r.resolveThread(ctx, req)
	if err != nil {
		return err
	}

	// The user's input is persisted before the upstream call so it is never
	// lost, whatever happens next.
	userMsg := &models.Message{
		ID:       uuid.NewString(),
		ThreadID: thread.ID,
		Role:     models.RoleUser,
		Content:  req.Message,
		BranchID: req.BranchID,
	}
	r.linkParent(ctx, userMsg, req.BranchID)
	if err := r.db.AddMessage(ctx, userMsg); err != nil {
		return err
	}

	msgs, err := r.db.ListMessages(ctx, thread.ID, req.BranchID)
	if err != nil {
		return err
	}
	history := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, provider.Message{Role: m.Role, Content: m.Content})
	}

	streamID := req.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	defer r.cache.Discard(streamID)

	send := newSender(emit)

	text, count, genErr := r.generate(ctx, req, secret, history, streamID, req.Stream, send)
	if genErr == nil && count == 0 && req.Stream {
		// Some providers return well-formed content only in non-streaming
		// mode; retry exactly once with streaming off.
		slog.Info("zero increments extracted, retrying without streaming",
			"provider", req.Provider, "model", req.ModelName, "stream_id", streamID)
		text, count, genErr = r.generate(ctx, req, secret, history, streamID, false, send)
	}
	if genErr == nil && count == 0 {
		genErr = core.ErrNoContent
	}

	assistant := &models.Message{
		ID:              uuid.NewString(),
		ThreadID:        thread.ID,
		Role:            models.RoleAssistant,
		Content:         text,
		BranchID:        req.BranchID,
		ParentMessageID: &userMsg.ID,
	}
	if genErr != nil {
		slog.Error("generation failed", "provider", req.Provider, "thread_id", thread.ID, "err", genErr)
		if assistant.Content == "" {
			assistant.Content = FailurePlaceholder
		}
		info := genErr.Error()
		assistant.ErrorInfo = &info
	}

	if err := r.db.AddMessage(ctx, assistant); err != nil {
		slog.Error("persisting assistant message failed", "thread_id", thread.ID, "err", err)
	}
	if err := r.db.TouchThread(ctx, thread.ID); err != nil {
		slog.Error("touching thread failed", "thread_id", thread.ID, "err", err)
	}

	if genErr != nil {
		send(errorFrame(genErr.Error(), streamID))
		return nil
	}
	send(doneFrame(thread.ID, count, streamID))
	return nil
}

// generate invokes the provider once and drives the result through the
// normalizer: every increment is cached, emitted and accumulated, in that
// order. Returns whatever text was accumulated even on error.
func (r *Relay) generate(ctx context.Context, req Request, secret string, history []provider.Message, streamID string, streaming bool, send Emitter) (string, int, error) {
	src, err := r.completer.Complete(ctx, provider.CompletionRequest{
		Provider: req.Provider,
		Model:    req.ModelName,
		APIKey:   secret,
		Messages: history,
		Stream:   streaming,
	})
	if err != nil {
		return "", 0, err
	}

	norm := stream.NewNormalizer(src)
	defer norm.Close()

	var buf strings.Builder
	count := 0
	for {
		inc, err := norm.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return buf.String(), count, err
		}
		r.cache.Append(streamID, inc)
		send(contentFrame(inc, count, streamID))
		buf.WriteString(inc)
		count++
	}
	return buf.String(), count, nil
}

// replay serves a resumption request from the cache; the upstream provider
// is not contacted and nothing new is persisted.
func (r *Relay) replay(req Request, emit Emitter) {
	from := 0
	if req.ResumeFromChunk != nil {
		from = *req.ResumeFromChunk
	}
	send := newSender(emit)

	cached := r.cache.Replay(req.StreamID, from)
	for i, inc := range cached {
		send(contentFrame(inc, from+i, req.StreamID))
		time.Sleep(r.replayDelay)
	}
	send(doneFrame(req.ThreadID, from+len(cached), req.StreamID))
}

func (r *Relay) resolveThread(ctx context.Context, req Request) (*models.Thread, error) {
	if req.ThreadID != "" {
		return r.db.GetThread(ctx, req.ThreadID, req.UserID)
	}
	thread := &models.Thread{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Title:     seedTitle(req.Message),
		Provider:  req.Provider,
		ModelName: req.ModelName,
	}
	if err := r.db.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// linkParent points a branched message at the branch tail. Linkage is best
// effort; persistence never blocks on it.
func (r *Relay) linkParent(ctx context.Context, msg *models.Message, branchID *string) {
	if branchID == nil {
		return
	}
	history, err := r.db.ListMessages(ctx, msg.ThreadID, branchID)
	if err != nil {
		slog.Warn("parent linkage lookup failed", "thread_id", msg.ThreadID, "err", err)
		return
	}
	if len(history) > 0 {
		msg.ParentMessageID = &history[len(history)-1].ID
	}
}

func seedTitle(message string) string {
	runes := []rune(message)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit]) + "..."
	}
	return message
}

// newSender wraps an Emitter so a dead client stops delivery without
// stopping generation or persistence.
func newSender(emit Emitter) Emitter {
	gone := false
	return func(f Frame) error {
		if gone || emit == nil {
			return nil
		}
		if err := emit(f); err != nil {
			gone = true
			slog.Debug("client gone, continuing generation server-side", "err", err)
		}
		return nil
	}
}
