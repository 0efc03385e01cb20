package models

import (
	"time"
)

// Message roles accepted by the chat pipeline.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// WildcardModel marks an API key as usable for any model of its provider.
const WildcardModel = "*"

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// APIKey is a user-owned credential for an upstream AI provider.
// The secret is stored encrypted and is never serialized in responses.
type APIKey struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Provider     string    `db:"provider" json:"provider"`     // openai, anthropic, ...
	ModelName    string    `db:"model_name" json:"model_name"` // "*" or "" means any model
	EncryptedKey string    `db:"encrypted_key" json:"-"`
	KeyName      string    `db:"key_name" json:"key_name"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Thread is one conversation owned by a user.
type Thread struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Title     string    `db:"title" json:"title"`
	Provider  string    `db:"provider" json:"provider"`
	ModelName string    `db:"model_name" json:"model_name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Message is a single entry in a thread's history.
//
// Messages with a nil BranchID form the main line; messages sharing a
// BranchID form one alternate path forked from a parent message.
// ParentMessageID is a weak same-thread reference, not ownership.
type Message struct {
	ID              string    `db:"id" json:"id"`
	ThreadID        string    `db:"thread_id" json:"thread_id"`
	Role            string    `db:"role" json:"role"`
	Content         string    `db:"content" json:"content"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	ParentMessageID *string   `db:"parent_message_id" json:"parent_message_id,omitempty"`
	BranchID        *string   `db:"branch_id" json:"branch_id,omitempty"`
	ErrorInfo       *string   `db:"error_info" json:"error_info,omitempty"`
}

// SharedLink exposes a thread's history read-only, without authentication,
// until ExpiresAt (nil means no expiry).
type SharedLink struct {
	ID        string     `db:"id" json:"id"`
	ThreadID  string     `db:"thread_id" json:"thread_id"`
	UserID    string     `db:"user_id" json:"user_id"`
	LinkID    string     `db:"link_id" json:"link_id"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
