// Package keyring resolves which stored API key serves a chat request and
// decrypts it.
package keyring

import (
	"context"
	"fmt"

	"github.com/keyrelay/keyrelay/internal/core"
	db "github.com/keyrelay/keyrelay/internal/core/database"
	"github.com/keyrelay/keyrelay/internal/core/secrets"
	"github.com/keyrelay/keyrelay/internal/models"
)

type Resolver struct {
	db     db.DbClient
	cipher *secrets.Cipher
}

func NewResolver(dbclient db.DbClient, cipher *secrets.Cipher) *Resolver {
	return &Resolver{db: dbclient, cipher: cipher}
}

// Resolve picks the most specific active key for (provider, model) and
// returns the decrypted secret.
//
// Priority: exact (provider, model) match, then a provider-wide key
// (model_name "*" or empty), then any active key for the provider.
// core.ErrNoCredential when nothing matches; decryption failures wrap
// core.ErrCipher and must surface as a server fault.
func (r *Resolver) Resolve(ctx context.Context, userID, provider, model string) (string, error) {
	keys, err := r.db.ListActiveAPIKeys(ctx, userID, provider)
	if err != nil {
		return "", fmt.Errorf("list keys: %w", err)
	}
	if len(keys) == 0 {
		return "", core.ErrNoCredential
	}

	pick := bestMatch(keys, model)
	return r.cipher.Decrypt(pick.EncryptedKey)
}

func bestMatch(keys []models.APIKey, model string) *models.APIKey {
	for i := range keys {
		if keys[i].ModelName == model {
			return &keys[i]
		}
	}
	for i := range keys {
		if keys[i].ModelName == models.WildcardModel || keys[i].ModelName == "" {
			return &keys[i]
		}
	}
	// Last resort: any active key for the provider.
	return &keys[0]
}
