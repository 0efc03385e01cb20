package db

import (
	"context"

	"github.com/keyrelay/keyrelay/internal/models"
)

// DbClient defines all persistence operations the services need.
// It abstracts Postgres so higher layers never depend on a specific DB.
type DbClient interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeysByUser(ctx context.Context, userID string) ([]models.APIKey, error)
	// ListActiveAPIKeys returns the user's active keys for one provider,
	// oldest first. The credential resolver ranks them.
	ListActiveAPIKeys(ctx context.Context, userID, provider string) ([]models.APIKey, error)
	DeleteAPIKey(ctx context.Context, userID, keyID string) error

	CreateThread(ctx context.Context, thread *models.Thread) error
	// GetThread is ownership-scoped: a thread owned by another user is
	// core.ErrNotFound, not a permission error.
	GetThread(ctx context.Context, threadID, userID string) (*models.Thread, error)
	GetThreadByID(ctx context.Context, threadID string) (*models.Thread, error)
	ListThreadsByUser(ctx context.Context, userID string) ([]models.Thread, error)
	DeleteThread(ctx context.Context, threadID, userID string) error
	TouchThread(ctx context.Context, threadID string) error

	// AddMessage assigns the created_at timestamp server-side unless one is
	// already set (branch copies carry their original timestamps).
	AddMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns one branch of a thread in creation order.
	// A nil branchID selects the main line.
	ListMessages(ctx context.Context, threadID string, branchID *string) ([]models.Message, error)
	// BranchFrom copies every main-line message up to and including
	// messageID into a new branch and returns the generated branch id.
	// The source branch is never mutated.
	BranchFrom(ctx context.Context, threadID, messageID string) (string, error)

	CreateSharedLink(ctx context.Context, link *models.SharedLink) error
	GetSharedLink(ctx context.Context, linkID string) (*models.SharedLink, error)

	Close() error
}
