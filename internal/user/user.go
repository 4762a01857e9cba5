package user

import (
	"context"
	"errors"
)

// MaxUsernameLength is the maximum accepted username length in runes.
const MaxUsernameLength = 50

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyExists = errors.New("user already exists")
)

// User is an immutable snapshot of a directory record. Mutations go
// through the named Service operations, never through a snapshot.
type User struct {
	Username       string
	LoggedIn       bool
	SSHKeyUploaded bool
}

// Repository persists directory records. All operations are atomic
// with respect to the backing store.
type Repository interface {
	Create(ctx context.Context, u User) error
	Get(ctx context.Context, username string) (User, error)
	Delete(ctx context.Context, username string) error
	List(ctx context.Context) ([]User, error)
	SetLoggedIn(ctx context.Context, username string, loggedIn bool) error
	SetSSHKeyUploaded(ctx context.Context, username string, uploaded bool) error
	ResetAllLoggedIn(ctx context.Context) error
}
