package db

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/models"
)

// MemoryClient is an in-memory DbClient used by tests. It mirrors the
// Postgres client's semantics: ownership-scoped lookups, branch filtering
// and server-assigned monotonic message timestamps.
type MemoryClient struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	keys     map[string]*models.APIKey
	threads  map[string]*models.Thread
	messages map[string]*models.Message
	links    map[string]*models.SharedLink // by public link_id
	lastTS   time.Time
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		users:    make(map[string]*models.User),
		keys:     make(map[string]*models.APIKey),
		threads:  make(map[string]*models.Thread),
		messages: make(map[string]*models.Message),
		links:    make(map[string]*models.SharedLink),
	}
}

func (c *MemoryClient) Close() error { return nil }

// nextTimestamp returns a strictly increasing time so that creation order
// is always recoverable from created_at, as it is in Postgres.
func (c *MemoryClient) nextTimestamp() time.Time {
	now := time.Now().UTC()
	if !now.After(c.lastTS) {
		now = c.lastTS.Add(time.Microsecond)
	}
	c.lastTS = now
	return now
}

func (c *MemoryClient) CreateUser(_ context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.users {
		if u.Email == user.Email {
			return errors.New("email already registered")
		}
	}
	user.CreatedAt = c.nextTimestamp()
	cp := *user
	c.users[user.ID] = &cp
	return nil
}

func (c *MemoryClient) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (c *MemoryClient) GetUserByID(_ context.Context, id string) (*models.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (c *MemoryClient) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	if key == nil {
		return errors.New("nil api key")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key.CreatedAt = c.nextTimestamp()
	cp := *key
	c.keys[key.ID] = &cp
	return nil
}

func (c *MemoryClient) ListAPIKeysByUser(_ context.Context, userID string) ([]models.APIKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.APIKey
	for _, k := range c.keys {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (c *MemoryClient) ListActiveAPIKeys(_ context.Context, userID, provider string) ([]models.APIKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.APIKey
	for _, k := range c.keys {
		if k.UserID == userID && k.Provider == provider && k.IsActive {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (c *MemoryClient) DeleteAPIKey(_ context.Context, userID, keyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.keys[keyID]
	if !ok || k.UserID != userID {
		return core.ErrNotFound
	}
	delete(c.keys, keyID)
	return nil
}

func (c *MemoryClient) CreateThread(_ context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("nil thread")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	thread.CreatedAt = c.nextTimestamp()
	thread.UpdatedAt = thread.CreatedAt
	cp := *thread
	c.threads[thread.ID] = &cp
	return nil
}

func (c *MemoryClient) GetThread(_ context.Context, threadID, userID string) (*models.Thread, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.threads[threadID]
	if !ok || t.UserID != userID {
		return nil, core.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (c *MemoryClient) GetThreadByID(_ context.Context, threadID string) (*models.Thread, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.threads[threadID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (c *MemoryClient) ListThreadsByUser(_ context.Context, userID string) ([]models.Thread, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Thread
	for _, t := range c.threads {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (c *MemoryClient) DeleteThread(_ context.Context, threadID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[threadID]
	if !ok || t.UserID != userID {
		return core.ErrNotFound
	}
	delete(c.threads, threadID)
	for id, m := range c.messages {
		if m.ThreadID == threadID {
			delete(c.messages, id)
		}
	}
	for id, l := range c.links {
		if l.ThreadID == threadID {
			delete(c.links, id)
		}
	}
	return nil
}

func (c *MemoryClient) TouchThread(_ context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.threads[threadID]; ok {
		t.UpdatedAt = c.nextTimestamp()
	}
	return nil
}

func (c *MemoryClient) AddMessage(_ context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.nextTimestamp()
	}
	cp := *msg
	c.messages[msg.ID] = &cp
	return nil
}

func (c *MemoryClient) ListMessages(_ context.Context, threadID string, branchID *string) ([]models.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Message
	for _, m := range c.messages {
		if m.ThreadID != threadID {
			continue
		}
		if !sameBranch(m.BranchID, branchID) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func sameBranch(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (c *MemoryClient) BranchFrom(_ context.Context, threadID, messageID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.messages[messageID]
	if !ok || target.ThreadID != threadID {
		return "", core.ErrNotFound
	}

	branchID := uuid.NewString()
	for _, m := range c.messages {
		if m.ThreadID != threadID || m.BranchID != nil || m.CreatedAt.After(target.CreatedAt) {
			continue
		}
		cp := *m
		cp.ID = uuid.NewString()
		cp.BranchID = &branchID
		c.messages[cp.ID] = &cp
	}
	return branchID, nil
}

func (c *MemoryClient) CreateSharedLink(_ context.Context, link *models.SharedLink) error {
	if link == nil {
		return errors.New("nil shared link")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	link.CreatedAt = c.nextTimestamp()
	cp := *link
	c.links[link.LinkID] = &cp
	return nil
}

func (c *MemoryClient) GetSharedLink(_ context.Context, linkID string) (*models.SharedLink, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.links[linkID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

var _ DbClient = (*MemoryClient)(nil)
