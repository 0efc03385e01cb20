package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/core/database/migrations"
	"github.com/keyrelay/keyrelay/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := runMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DatabaseClient{db: sqlDB}, nil
}

func runMigrations(ctx context.Context, sqlDB *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, sqlDB, ".")
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Users

func (c *DatabaseClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	const q = `
		INSERT INTO users (id, email, password_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING created_at
	`
	return c.db.QueryRowContext(ctx, q,
		user.ID, user.Email, user.PasswordHash, user.IsActive).Scan(&user.CreatedAt)
}

func (c *DatabaseClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, email, password_hash, is_active, created_at
		FROM users WHERE email = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *DatabaseClient) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	const q = `
		SELECT id, email, password_hash, is_active, created_at
		FROM users WHERE id = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// API keys

func (c *DatabaseClient) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key == nil {
		return errors.New("nil api key")
	}
	const q = `
		INSERT INTO api_keys (id, user_id, provider, model_name, encrypted_key, key_name, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING created_at
	`
	return c.db.QueryRowContext(ctx, q,
		key.ID, key.UserID, key.Provider, key.ModelName, key.EncryptedKey, key.KeyName, key.IsActive).
		Scan(&key.CreatedAt)
}

func (c *DatabaseClient) ListAPIKeysByUser(ctx context.Context, userID string) ([]models.APIKey, error) {
	const q = `
		SELECT id, user_id, provider, model_name, encrypted_key, key_name, is_active, created_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (c *DatabaseClient) ListActiveAPIKeys(ctx context.Context, userID, provider string) ([]models.APIKey, error) {
	const q = `
		SELECT id, user_id, provider, model_name, encrypted_key, key_name, is_active, created_at
		FROM api_keys
		WHERE user_id = $1 AND provider = $2 AND is_active
		ORDER BY created_at ASC
	`
	rows, err := c.db.QueryContext(ctx, q, userID, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func scanAPIKeys(rows *sql.Rows) ([]models.APIKey, error) {
	var out []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(
			&k.ID, &k.UserID, &k.Provider, &k.ModelName, &k.EncryptedKey, &k.KeyName, &k.IsActive, &k.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteAPIKey(ctx context.Context, userID, keyID string) error {
	const q = `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`
	res, err := c.db.ExecContext(ctx, q, keyID, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Threads

func (c *DatabaseClient) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("nil thread")
	}
	const q = `
		INSERT INTO threads (id, user_id, title, provider, model_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q,
		thread.ID, thread.UserID, thread.Title, thread.Provider, thread.ModelName).
		Scan(&thread.CreatedAt, &thread.UpdatedAt)
}

func (c *DatabaseClient) GetThread(ctx context.Context, threadID, userID string) (*models.Thread, error) {
	const q = `
		SELECT id, user_id, title, provider, model_name, created_at, updated_at
		FROM threads
		WHERE id = $1 AND user_id = $2
	`
	return c.scanThread(c.db.QueryRowContext(ctx, q, threadID, userID))
}

func (c *DatabaseClient) GetThreadByID(ctx context.Context, threadID string) (*models.Thread, error) {
	const q = `
		SELECT id, user_id, title, provider, model_name, created_at, updated_at
		FROM threads
		WHERE id = $1
	`
	return c.scanThread(c.db.QueryRowContext(ctx, q, threadID))
}

func (c *DatabaseClient) scanThread(row *sql.Row) (*models.Thread, error) {
	var t models.Thread
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Provider, &t.ModelName, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *DatabaseClient) ListThreadsByUser(ctx context.Context, userID string) ([]models.Thread, error) {
	const q = `
		SELECT id, user_id, title, provider, model_name, created_at, updated_at
		FROM threads
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Thread
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Provider, &t.ModelName, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteThread(ctx context.Context, threadID, userID string) error {
	const q = `DELETE FROM threads WHERE id = $1 AND user_id = $2`
	res, err := c.db.ExecContext(ctx, q, threadID, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (c *DatabaseClient) TouchThread(ctx context.Context, threadID string) error {
	const q = `UPDATE threads SET updated_at = now() WHERE id = $1`
	_, err := c.db.ExecContext(ctx, q, threadID)
	return err
}

// Messages

func (c *DatabaseClient) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	var createdAt *time.Time
	if !msg.CreatedAt.IsZero() {
		createdAt = &msg.CreatedAt
	}
	const q = `
		INSERT INTO messages (id, thread_id, role, content, created_at, parent_message_id, branch_id, error_info)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()), $6, $7, $8)
		RETURNING created_at
	`
	return c.db.QueryRowContext(ctx, q,
		msg.ID, msg.ThreadID, msg.Role, msg.Content, createdAt, msg.ParentMessageID, msg.BranchID, msg.ErrorInfo).
		Scan(&msg.CreatedAt)
}

func (c *DatabaseClient) ListMessages(ctx context.Context, threadID string, branchID *string) ([]models.Message, error) {
	const q = `
		SELECT id, thread_id, role, content, created_at, parent_message_id, branch_id, error_info
		FROM messages
		WHERE thread_id = $1 AND branch_id IS NOT DISTINCT FROM $2
		ORDER BY created_at ASC
	`
	rows, err := c.db.QueryContext(ctx, q, threadID, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(
			&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt, &m.ParentMessageID, &m.BranchID, &m.ErrorInfo,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BranchFrom copies the main line up to and including messageID into a new
// branch. Copies keep their original role, content, timestamps and parent
// links so the fork replays identically.
func (c *DatabaseClient) BranchFrom(ctx context.Context, threadID, messageID string) (string, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var forkAt time.Time
	const qTarget = `SELECT created_at FROM messages WHERE id = $1 AND thread_id = $2`
	err = tx.QueryRowContext(ctx, qTarget, messageID, threadID).Scan(&forkAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	branchID := uuid.NewString()
	const qCopy = `
		INSERT INTO messages (id, thread_id, role, content, created_at, parent_message_id, branch_id, error_info)
		SELECT gen_random_uuid(), thread_id, role, content, created_at, parent_message_id, $3, error_info
		FROM messages
		WHERE thread_id = $1 AND branch_id IS NULL AND created_at <= $2
	`
	if _, err := tx.ExecContext(ctx, qCopy, threadID, forkAt, branchID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return branchID, nil
}

// Shared links

func (c *DatabaseClient) CreateSharedLink(ctx context.Context, link *models.SharedLink) error {
	if link == nil {
		return errors.New("nil shared link")
	}
	const q = `
		INSERT INTO shared_links (id, thread_id, user_id, link_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at
	`
	return c.db.QueryRowContext(ctx, q,
		link.ID, link.ThreadID, link.UserID, link.LinkID, link.ExpiresAt).
		Scan(&link.CreatedAt)
}

func (c *DatabaseClient) GetSharedLink(ctx context.Context, linkID string) (*models.SharedLink, error) {
	const q = `
		SELECT id, thread_id, user_id, link_id, expires_at, created_at
		FROM shared_links
		WHERE link_id = $1
	`
	var l models.SharedLink
	err := c.db.QueryRowContext(ctx, q, linkID).Scan(
		&l.ID, &l.ThreadID, &l.UserID, &l.LinkID, &l.ExpiresAt, &l.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
