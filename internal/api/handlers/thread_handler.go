package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keyrelay/keyrelay/internal/core"
	db "github.com/keyrelay/keyrelay/internal/core/database"
	"github.com/keyrelay/keyrelay/internal/models"
)

type ThreadHandler struct {
	dbclient db.DbClient
}

func NewThreadHandler(dbclient db.DbClient) *ThreadHandler {
	return &ThreadHandler{dbclient: dbclient}
}

type createThreadRequest struct {
	Title     string `json:"title"`
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
}

func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.Provider == "" || req.ModelName == "" {
		http.Error(w, "title, provider and model_name are required", http.StatusBadRequest)
		return
	}

	thread := &models.Thread{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     req.Title,
		Provider:  req.Provider,
		ModelName: req.ModelName,
	}
	if err := h.dbclient.CreateThread(r.Context(), thread); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(thread)
}

func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	threads, err := h.dbclient.ListThreadsByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if threads == nil {
		threads = []models.Thread{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(threads)
}

// Messages returns one branch of a thread's history in creation order.
// The branch_id query parameter selects a branch; omitted means main.
func (h *ThreadHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	threadID := chi.URLParam(r, "id")
	if _, err := h.dbclient.GetThread(r.Context(), threadID, userID); err != nil {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}

	var branchID *string
	if b := r.URL.Query().Get("branch_id"); b != "" {
		branchID = &b
	}

	messages, err := h.dbclient.ListMessages(r.Context(), threadID, branchID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

func (h *ThreadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	threadID := chi.URLParam(r, "id")
	if err := h.dbclient.DeleteThread(r.Context(), threadID, userID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "thread not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "thread deleted"})
}

// Branch forks the main line up to and including a message into a new
// branch and returns the thread along with the generated branch id.
func (h *ThreadHandler) Branch(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	threadID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "message_id")

	thread, err := h.dbclient.GetThread(r.Context(), threadID, userID)
	if err != nil {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}

	branchID, err := h.dbclient.BranchFrom(r.Context(), threadID, messageID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "message not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		*models.Thread
		BranchID string `json:"branch_id"`
	}{thread, branchID})
}

type shareRequest struct {
	ExpiresInHours int `json:"expires_in_hours"`
}

// Share issues a public read-only link for a thread. A zero or missing
// expires_in_hours means the link never expires.
func (h *ThreadHandler) Share(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	threadID := chi.URLParam(r, "id")
	if _, err := h.dbclient.GetThread(r.Context(), threadID, userID); err != nil {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}

	var req shareRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	link := &models.SharedLink{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		UserID:   userID,
		LinkID:   uuid.NewString(),
	}
	if req.ExpiresInHours > 0 {
		exp := time.Now().UTC().Add(time.Duration(req.ExpiresInHours) * time.Hour)
		link.ExpiresAt = &exp
	}

	if err := h.dbclient.CreateSharedLink(r.Context(), link); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(link)
}
