package user

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	users map[string]User
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]User)}
}

func (r *fakeRepo) Create(_ context.Context, u User) error {
	if _, exists := r.users[u.Username]; exists {
		return ErrAlreadyExists
	}
	r.users[u.Username] = u
	return nil
}

func (r *fakeRepo) Get(_ context.Context, username string) (User, error) {
	u, ok := r.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *fakeRepo) Delete(_ context.Context, username string) error {
	if _, ok := r.users[username]; !ok {
		return ErrNotFound
	}
	delete(r.users, username)
	return nil
}

func (r *fakeRepo) List(_ context.Context) ([]User, error) {
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out, nil
}

func (r *fakeRepo) SetLoggedIn(_ context.Context, username string, loggedIn bool) error {
	u, ok := r.users[username]
	if !ok {
		return ErrNotFound
	}
	u.LoggedIn = loggedIn
	r.users[username] = u
	return nil
}

func (r *fakeRepo) SetSSHKeyUploaded(_ context.Context, username string, uploaded bool) error {
	u, ok := r.users[username]
	if !ok {
		return ErrNotFound
	}
	u.SSHKeyUploaded = uploaded
	r.users[username] = u
	return nil
}

func (r *fakeRepo) ResetAllLoggedIn(_ context.Context) error {
	for name, u := range r.users {
		u.LoggedIn = false
		r.users[name] = u
	}
	return nil
}

func TestCreate_ThenExists(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	created, err := svc.Create(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Username)
	assert.False(t, created.LoggedIn)
	assert.False(t, created.SSHKeyUploaded)

	exists, err := svc.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCreate_Duplicate(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice")
	require.NoError(t, err)

	_, err = svc.Create(ctx, "alice")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Normalization makes these the same identity.
	_, err = svc.Create(ctx, "  ALICE ")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(ctx, strings.Repeat("a", MaxUsernameLength+1))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(ctx, strings.Repeat("a", MaxUsernameLength))
	assert.NoError(t, err)
}

func TestSetFlags(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, svc.SetLoggedIn(ctx, "alice", true))
	require.NoError(t, svc.SetSSHKeyUploaded(ctx, "alice", true))

	u, err := svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.LoggedIn)
	assert.True(t, u.SSHKeyUploaded)

	assert.ErrorIs(t, svc.SetLoggedIn(ctx, "bob", true), ErrNotFound)
	assert.ErrorIs(t, svc.SetSSHKeyUploaded(ctx, "bob", true), ErrNotFound)
}

func TestDelete(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "alice"))

	exists, err := svc.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, svc.Delete(ctx, "alice"), ErrNotFound)
}

func TestResetAllLoggedIn(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := svc.Create(ctx, name)
		require.NoError(t, err)
		require.NoError(t, svc.SetLoggedIn(ctx, name, true))
	}

	require.NoError(t, svc.ResetAllLoggedIn(ctx))

	users, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	for _, u := range users {
		assert.False(t, u.LoggedIn, "user %s should be logged out", u.Username)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	svc := NewService(newFakeRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice")
	require.NoError(t, err)

	snap, err := svc.Get(ctx, "alice")
	require.NoError(t, err)
	snap.LoggedIn = true // mutating the snapshot must not touch the directory

	current, err := svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, current.LoggedIn)
}
