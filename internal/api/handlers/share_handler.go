package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyrelay/keyrelay/internal/core"
	db "github.com/keyrelay/keyrelay/internal/core/database"
	"github.com/keyrelay/keyrelay/internal/models"
)

type ShareHandler struct {
	dbclient db.DbClient
}

func NewShareHandler(dbclient db.DbClient) *ShareHandler {
	return &ShareHandler{dbclient: dbclient}
}

type sharedThreadResponse struct {
	Title     string           `json:"title"`
	Provider  string           `json:"provider"`
	ModelName string           `json:"model_name"`
	Messages  []models.Message `json:"messages"`
}

// View serves a shared thread's history without authentication. Expired
// links answer 410 so clients can distinguish them from dead links.
func (h *ShareHandler) View(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "link_id")

	link, err := h.dbclient.GetSharedLink(r.Context(), linkID)
	if err != nil {
		http.Error(w, "link not found", http.StatusNotFound)
		return
	}
	if link.ExpiresAt != nil && time.Now().After(*link.ExpiresAt) {
		http.Error(w, core.ErrExpired.Error(), http.StatusGone)
		return
	}

	thread, err := h.dbclient.GetThreadByID(r.Context(), link.ThreadID)
	if err != nil {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}

	var branchID *string
	if b := r.URL.Query().Get("branch_id"); b != "" {
		branchID = &b
	}
	messages, err := h.dbclient.ListMessages(r.Context(), thread.ID, branchID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sharedThreadResponse{
		Title:     thread.Title,
		Provider:  thread.Provider,
		ModelName: thread.ModelName,
		Messages:  messages,
	})
}
