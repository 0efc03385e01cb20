package keyring

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/core"
	db "github.com/keyrelay/keyrelay/internal/core/database"
	"github.com/keyrelay/keyrelay/internal/core/secrets"
	"github.com/keyrelay/keyrelay/internal/models"
)

func newTestCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	c, err := secrets.NewCipher(hex.EncodeToString(raw))
	require.NoError(t, err)
	return c
}

func storeKey(t *testing.T, client *db.MemoryClient, cipher *secrets.Cipher, userID, provider, model, secret string, active bool) {
	t.Helper()
	sealed, err := cipher.Encrypt(secret)
	require.NoError(t, err)
	err = client.CreateAPIKey(context.Background(), &models.APIKey{
		ID:           uuid.NewString(),
		UserID:       userID,
		Provider:     provider,
		ModelName:    model,
		EncryptedKey: sealed,
		IsActive:     active,
	})
	require.NoError(t, err)
}

func TestResolve_ExactModelWins(t *testing.T) {
	client := db.NewMemoryClient()
	cipher := newTestCipher(t)
	r := NewResolver(client, cipher)

	storeKey(t, client, cipher, "u1", "openai", "*", "sk-wildcard", true)
	storeKey(t, client, cipher, "u1", "openai", "gpt-4o", "sk-exact", true)

	got, err := r.Resolve(context.Background(), "u1", "openai", "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "sk-exact", got)
}

func TestResolve_WildcardFallback(t *testing.T) {
	client := db.NewMemoryClient()
	cipher := newTestCipher(t)
	r := NewResolver(client, cipher)

	storeKey(t, client, cipher, "u1", "openai", "gpt-3.5-turbo", "sk-other-model", true)
	storeKey(t, client, cipher, "u1", "openai", "*", "sk-wildcard", true)

	got, err := r.Resolve(context.Background(), "u1", "openai", "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "sk-wildcard", got)
}

func TestResolve_EmptyModelActsAsWildcard(t *testing.T) {
	client := db.NewMemoryClient()
	cipher := newTestCipher(t)
	r := NewResolver(client, cipher)

	storeKey(t, client, cipher, "u1", "anthropic", "claude-3-opus", "sk-other", true)
	storeKey(t, client, cipher, "u1", "anthropic", "", "sk-any", true)

	got, err := r.Resolve(context.Background(), "u1", "anthropic", "claude-3-5-sonnet")
	require.NoError(t, err)
	require.Equal(t, "sk-any", got)
}

func TestResolve_LastResortOldestKey(t *testing.T) {
	client := db.NewMemoryClient()
	cipher := newTestCipher(t)
	r := NewResolver(client, cipher)

	storeKey(t, client, cipher, "u1", "openai", "gpt-3.5-turbo", "sk-oldest", true)
	storeKey(t, client, cipher, "u1", "openai", "gpt-4-turbo", "sk-newer", true)

	got, err := r.Resolve(context.Background(), "u1", "openai", "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "sk-oldest", got)
}

func TestResolve_SkipsInactiveAndForeignKeys(t *testing.T) {
	client := db.NewMemoryClient()
	cipher := newTestCipher(t)
	r := NewResolver(client, cipher)

	storeKey(t, client, cipher, "u1", "openai", "gpt-4o", "sk-revoked", false)
	storeKey(t, client, cipher, "u2", "openai", "gpt-4o", "sk-not-yours", true)
	storeKey(t, client, cipher, "u1", "anthropic", "gpt-4o", "sk-wrong-provider", true)

	_, err := r.Resolve(context.Background(), "u1", "openai", "gpt-4o")
	require.ErrorIs(t, err, core.ErrNoCredential)
}

func TestResolve_NoKeysAtAll(t *testing.T) {
	client := db.NewMemoryClient()
	r := NewResolver(client, newTestCipher(t))

	_, err := r.Resolve(context.Background(), "u1", "openai", "gpt-4o")
	require.ErrorIs(t, err, core.ErrNoCredential)
}

func TestResolve_UndecryptableKeyIsCipherError(t *testing.T) {
	client := db.NewMemoryClient()
	// Key sealed under a different cipher than the resolver holds.
	other := newTestCipher(t)
	storeKey(t, client, other, "u1", "openai", "gpt-4o", "sk-lost", true)

	r := NewResolver(client, newTestCipher(t))
	_, err := r.Resolve(context.Background(), "u1", "openai", "gpt-4o")
	require.ErrorIs(t, err, core.ErrCipher)
}
