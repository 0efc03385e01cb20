package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keyrelay/keyrelay/internal/core"
	db "github.com/keyrelay/keyrelay/internal/core/database"
	"github.com/keyrelay/keyrelay/internal/core/secrets"
	"github.com/keyrelay/keyrelay/internal/models"
)

type APIKeyHandler struct {
	dbclient db.DbClient
	cipher   *secrets.Cipher
}

func NewAPIKeyHandler(dbclient db.DbClient, cipher *secrets.Cipher) *APIKeyHandler {
	return &APIKeyHandler{dbclient: dbclient, cipher: cipher}
}

type createAPIKeyRequest struct {
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
	APIKey    string `json:"api_key"`
	KeyName   string `json:"key_name"`
}

func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.APIKey == "" {
		http.Error(w, "provider and api_key are required", http.StatusBadRequest)
		return
	}

	encrypted, err := h.cipher.Encrypt(req.APIKey)
	if err != nil {
		http.Error(w, "could not store key", http.StatusInternalServerError)
		return
	}

	key := &models.APIKey{
		ID:           uuid.NewString(),
		UserID:       userID,
		Provider:     req.Provider,
		ModelName:    req.ModelName,
		EncryptedKey: encrypted,
		KeyName:      req.KeyName,
		IsActive:     true,
	}
	if err := h.dbclient.CreateAPIKey(r.Context(), key); err != nil {
		http.Error(w, "could not store key", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(key)
}

func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	keys, err := h.dbclient.ListAPIKeysByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(keys)
}

func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	keyID := chi.URLParam(r, "id")
	if err := h.dbclient.DeleteAPIKey(r.Context(), userID, keyID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "api key not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "api key deleted"})
}
