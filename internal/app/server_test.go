package app

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	db "github.com/keyrelay/keyrelay/internal/core/database"
	"github.com/keyrelay/keyrelay/internal/core/keyring"
	"github.com/keyrelay/keyrelay/internal/core/provider"
	"github.com/keyrelay/keyrelay/internal/core/relay"
	"github.com/keyrelay/keyrelay/internal/core/secrets"
	"github.com/keyrelay/keyrelay/internal/core/stream"
	"github.com/keyrelay/keyrelay/internal/models"
)

// newTestStack wires the full router against the in-memory store and a mock
// upstream provider speaking the OpenAI event stream format.
func newTestStack(t *testing.T) (*httptest.Server, *db.MemoryClient) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Hello world"}}]}`)
	}))
	t.Cleanup(upstream.Close)

	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	cipher, err := secrets.NewCipher(hex.EncodeToString(raw))
	require.NoError(t, err)

	client := db.NewMemoryClient()
	resolver := keyring.NewResolver(client, cipher)
	registry := provider.NewRegistry(upstream.URL, upstream.URL)
	chatRelay := relay.NewRelay(client, resolver, registry, stream.NewMemoryCache())

	srv := httptest.NewServer(NewRouter(client, cipher, chatRelay))
	t.Cleanup(srv.Close)
	return srv, client
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func registerAndLogin(t *testing.T, base, email string) string {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/auth/register", "", map[string]string{
		"email": email, "password": "long-enough-pass",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, base+"/auth/login", "", map[string]string{
		"email": email, "password": "long-enough-pass",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.NotEmpty(t, body["token"])
	return body["token"]
}

func addKey(t *testing.T, base, token string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/api-keys", token, map[string]string{
		"provider": "openai", "model_name": "*", "api_key": "sk-upstream", "key_name": "default",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestAuth_RegisterLoginMe(t *testing.T) {
	srv, _ := newTestStack(t)

	token := registerAndLogin(t, srv.URL, "alice@example.com")

	resp := doJSON(t, http.MethodGet, srv.URL+"/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[models.User](t, resp)
	assert.Equal(t, "alice@example.com", me.Email)

	// Duplicate registration conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/auth/register", "", map[string]string{
		"email": "alice@example.com", "password": "long-enough-pass",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Short passwords are rejected up front.
	resp = doJSON(t, http.MethodPost, srv.URL+"/auth/register", "", map[string]string{
		"email": "bob@example.com", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Wrong password.
	resp = doJSON(t, http.MethodPost, srv.URL+"/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong-password!",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	srv, _ := newTestStack(t)

	for _, path := range []string{"/auth/me", "/threads", "/api-keys"} {
		resp := doJSON(t, http.MethodGet, srv.URL+path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/threads", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIKeys_SecretNeverSerialized(t *testing.T) {
	srv, _ := newTestStack(t)
	token := registerAndLogin(t, srv.URL, "alice@example.com")
	addKey(t, srv.URL, token)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api-keys", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := decode[[]map[string]any](t, resp)
	require.Len(t, keys, 1)
	assert.Equal(t, "openai", keys[0]["provider"])
	assert.NotContains(t, keys[0], "encrypted_key")

	// Delete, then the list is empty again.
	id, _ := keys[0]["id"].(string)
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api-keys/"+id, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api-keys/"+id, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func readFrames(t *testing.T, resp *http.Response) []relay.Frame {
	t.Helper()
	defer resp.Body.Close()
	var frames []relay.Frame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var f relay.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
		frames = append(frames, f)
	}
	require.NoError(t, scanner.Err())
	return frames
}

func TestChat_StreamingEndToEnd(t *testing.T) {
	srv, client := newTestStack(t)
	token := registerAndLogin(t, srv.URL, "alice@example.com")
	addKey(t, srv.URL, token)

	resp := doJSON(t, http.MethodPost, srv.URL+"/chat", token, map[string]any{
		"message": "hi there", "provider": "openai", "model_name": "gpt-4o",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp)
	require.Len(t, frames, 3)
	assert.Equal(t, "Hello", frames[0].Content)
	assert.Equal(t, " world", frames[1].Content)
	assert.True(t, frames[2].Done)
	require.NotNil(t, frames[2].TotalChunks)
	assert.Equal(t, 2, *frames[2].TotalChunks)
	require.NotEmpty(t, frames[2].ThreadID)

	// Both turns persisted on the main line.
	me := decode[models.User](t, doJSON(t, http.MethodGet, srv.URL+"/auth/me", token, nil))
	msgs, err := client.ListMessages(context.Background(), frames[2].ThreadID, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi there", msgs[0].Content)
	assert.Equal(t, "Hello world", msgs[1].Content)

	threads, err := client.ListThreadsByUser(context.Background(), me.ID)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "hi there", threads[0].Title)
}

func TestChat_NonStreaming(t *testing.T) {
	srv, _ := newTestStack(t)
	token := registerAndLogin(t, srv.URL, "alice@example.com")
	addKey(t, srv.URL, token)

	resp := doJSON(t, http.MethodPost, srv.URL+"/chat", token, map[string]any{
		"message": "hi", "provider": "openai", "model_name": "gpt-4o", "stream": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "Hello world", body["content"])
	assert.Equal(t, true, body["done"])
	assert.NotEmpty(t, body["thread_id"])
}

func TestChat_MissingCredentialIs400(t *testing.T) {
	srv, _ := newTestStack(t)
	token := registerAndLogin(t, srv.URL, "alice@example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/chat", token, map[string]any{
		"message": "hi", "provider": "openai", "model_name": "gpt-4o",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestChat_UnknownThreadIs404(t *testing.T) {
	srv, _ := newTestStack(t)
	token := registerAndLogin(t, srv.URL, "alice@example.com")
	addKey(t, srv.URL, token)

	resp := doJSON(t, http.MethodPost, srv.URL+"/chat", token, map[string]any{
		"message": "hi", "provider": "openai", "model_name": "gpt-4o",
		"thread_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestThreads_BranchFlow(t *testing.T) {
	srv, client := newTestStack(t)
	token := registerAndLogin(t, srv.URL, "alice@example.com")
	addKey(t, srv.URL, token)

	// Seed a conversation via the chat endpoint.
	resp := doJSON(t, http.MethodPost, srv.URL+"/chat", token, map[string]any{
		"message": "original question", "provider": "openai", "model_name": "gpt-4o",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := readFrames(t, resp)
	threadID := frames[len(frames)-1].ThreadID

	msgs, err := client.ListMessages(context.Background(), threadID, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Fork at the assistant reply.
	resp = doJSON(t, http.MethodPost, srv.URL+"/threads/"+threadID+"/branch/"+msgs[1].ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	branch := decode[map[string]any](t, resp)
	branchID, _ := branch["branch_id"].(string)
	require.NotEmpty(t, branchID)

	// The branch shows the copied prefix through the API.
	resp = doJSON(t, http.MethodGet, srv.URL+"/threads/"+threadID+"/messages?branch_id="+branchID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	branchMsgs := decode[[]models.Message](t, resp)
	require.Len(t, branchMsgs, 2)
	assert.Equal(t, "original question", branchMsgs[0].Content)

	// Continue the conversation on the branch; main line stays put.
	resp = doJSON(t, http.MethodPost, srv.URL+"/chat", token, map[string]any{
		"message": "alternate question", "provider": "openai", "model_name": "gpt-4o",
		"thread_id": threadID, "branch_id": branchID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readFrames(t, resp)

	resp = doJSON(t, http.MethodGet, srv.URL+"/threads/"+threadID+"/messages", token, nil)
	mainMsgs := decode[[]models.Message](t, resp)
	assert.Len(t, mainMsgs, 2)

	resp = doJSON(t, http.MethodGet, srv.URL+"/threads/"+threadID+"/messages?branch_id="+branchID, token, nil)
	branchMsgs = decode[[]models.Message](t, resp)
	assert.Len(t, branchMsgs, 4)
}

func TestSharedLinks(t *testing.T) {
	srv, client := newTestStack(t)
	token := registerAndLogin(t, srv.URL, "alice@example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/threads", token, map[string]string{
		"title": "to share", "provider": "openai", "model_name": "gpt-4o",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	thread := decode[models.Thread](t, resp)

	resp = doJSON(t, http.MethodPost, srv.URL+"/threads/"+thread.ID+"/share", token, map[string]int{
		"expires_in_hours": 24,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	link := decode[models.SharedLink](t, resp)
	require.NotEmpty(t, link.LinkID)
	require.NotNil(t, link.ExpiresAt)

	// Public view, no auth.
	resp = doJSON(t, http.MethodGet, srv.URL+"/shared/"+link.LinkID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	shared := decode[map[string]any](t, resp)
	assert.Equal(t, "to share", shared["title"])

	// Unknown links are 404.
	resp = doJSON(t, http.MethodGet, srv.URL+"/shared/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Expired links are 410, not 404.
	past := time.Now().Add(-time.Hour)
	expired := &models.SharedLink{
		ID: uuid.NewString(), ThreadID: thread.ID, UserID: "u", LinkID: uuid.NewString(), ExpiresAt: &past,
	}
	require.NoError(t, client.CreateSharedLink(context.Background(), expired))
	resp = doJSON(t, http.MethodGet, srv.URL+"/shared/"+expired.LinkID, "", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	resp.Body.Close()
}

func TestThreads_DeleteScopedToOwner(t *testing.T) {
	srv, _ := newTestStack(t)
	alice := registerAndLogin(t, srv.URL, "alice@example.com")
	mallory := registerAndLogin(t, srv.URL, "mallory@example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/threads", alice, map[string]string{
		"title": "private", "provider": "openai", "model_name": "gpt-4o",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	thread := decode[models.Thread](t, resp)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/threads/"+thread.ID, mallory, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, srv.URL+"/threads/"+thread.ID, alice, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	srv, _ := newTestStack(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
}
