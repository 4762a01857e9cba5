package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/gatechat/gatechat/internal/chatlog"
	"github.com/gatechat/gatechat/internal/user"
)

// MemoryStore keeps all state in process memory. It implements the
// same repository contracts as the SQL stores, including atomic
// evict+insert, and is the store used by unit tests.
type MemoryStore struct {
	users    *memoryUserRepo
	messages *memoryMessageRepo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    &memoryUserRepo{users: make(map[string]user.User)},
		messages: &memoryMessageRepo{},
	}
}

func (s *MemoryStore) Close(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Users() user.Repository { return s.users }

func (s *MemoryStore) Messages() chatlog.Repository { return s.messages }

type memoryUserRepo struct {
	mu    sync.Mutex
	users map[string]user.User
}

func (r *memoryUserRepo) Create(_ context.Context, u user.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[u.Username]; exists {
		return user.ErrAlreadyExists
	}
	r.users[u.Username] = u
	return nil
}

func (r *memoryUserRepo) Get(_ context.Context, username string) (user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (r *memoryUserRepo) Delete(_ context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[username]; !ok {
		return user.ErrNotFound
	}
	delete(r.users, username)
	return nil
}

func (r *memoryUserRepo) List(_ context.Context) ([]user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]user.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (r *memoryUserRepo) SetLoggedIn(_ context.Context, username string, loggedIn bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		return user.ErrNotFound
	}
	u.LoggedIn = loggedIn
	r.users[username] = u
	return nil
}

func (r *memoryUserRepo) SetSSHKeyUploaded(_ context.Context, username string, uploaded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		return user.ErrNotFound
	}
	u.SSHKeyUploaded = uploaded
	r.users[username] = u
	return nil
}

func (r *memoryUserRepo) ResetAllLoggedIn(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, u := range r.users {
		u.LoggedIn = false
		r.users[name] = u
	}
	return nil
}

type memoryMessageRepo struct {
	mu       sync.Mutex
	messages []chatlog.Message
}

func (r *memoryMessageRepo) Insert(_ context.Context, msg chatlog.Message, maxCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Evict and insert under one lock so the bound is never observably
	// exceeded. Messages are kept sorted by (Timestamp, Seq).
	if maxCount > 0 {
		for len(r.messages) >= maxCount {
			r.messages = r.messages[1:]
		}
	}
	r.messages = append(r.messages, msg)
	sort.SliceStable(r.messages, func(i, j int) bool {
		a, b := r.messages[i], r.messages[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Seq < b.Seq
	})
	return nil
}

func (r *memoryMessageRepo) ListOrdered(_ context.Context) ([]chatlog.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chatlog.Message, len(r.messages))
	copy(out, r.messages)
	return out, nil
}

func (r *memoryMessageRepo) Newest(_ context.Context) (chatlog.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return chatlog.Message{}, false, nil
	}
	return r.messages[len(r.messages)-1], true, nil
}
