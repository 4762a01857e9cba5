// Package gate enforces who may hold a session and who may enter the
// chat room. It owns the concurrent-login capacity counter: the counter
// and the per-user login flags are only ever mutated inside the gate's
// critical section, so the counter cannot drift from the true number of
// logged-in users.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gatechat/gatechat/internal/credential"
	"github.com/gatechat/gatechat/internal/policy"
	"github.com/gatechat/gatechat/internal/user"
)

// DefaultMaxUsers is the default concurrent logged-in capacity.
const DefaultMaxUsers = 3

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrCapacityExceeded   = errors.New("server at capacity, try again later")
	ErrNoActiveSession    = errors.New("no active session")
)

// Denial reasons reported by VerifyPermission.
const (
	ReasonNoSession        = "no active session"
	ReasonSSHKeyMissing    = "ssh key not uploaded"
	ReasonNotAuthenticated = "not logged in"
)

// Decision is the outcome of a chat-entry check. Reasons lists every
// unmet condition, not just the first one found.
type Decision struct {
	Permitted bool
	Reasons   []string
}

// Gate binds sessions to directory records and applies the server
// policy. One live session per user; at most maxUsers sessions total.
type Gate struct {
	users    *user.Service
	policies *policy.Store
	maxUsers int

	mu     sync.Mutex
	active map[string]struct{}
}

func New(users *user.Service, policies *policy.Store, maxUsers int) *Gate {
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	return &Gate{
		users:    users,
		policies: policies,
		maxUsers: maxUsers,
		active:   make(map[string]struct{}),
	}
}

// Reset invalidates all sessions and forces every directory record to
// logged-out. It must complete before the server accepts connections;
// no login can race it.
func (g *Gate) Reset(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.users.ResetAllLoggedIn(ctx); err != nil {
		return fmt.Errorf("reset logged-in flags: %w", err)
	}
	g.active = make(map[string]struct{})
	return nil
}

// Login moves a user from LoggedOut to LoggedIn. The password is
// checked against the shared policy digest before the lock is taken;
// existence, capacity, and the duplicate-session check happen inside
// the critical section together with the counter increment.
func (g *Gate) Login(ctx context.Context, username, password string) error {
	// Credential check first, outside the lock.
	pol := g.policies.Snapshot()
	if !credential.Match(pol.PasswordDigest, password) {
		return ErrInvalidCredentials
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	u, err := g.users.Get(ctx, username)
	if err != nil {
		return err
	}
	if _, held := g.active[u.Username]; held {
		// Already the holder of the only allowed session; repeating the
		// login must not consume a second capacity slot.
		return nil
	}
	if len(g.active) >= g.maxUsers {
		return ErrCapacityExceeded
	}

	if err := g.users.SetLoggedIn(ctx, u.Username, true); err != nil {
		return err
	}
	g.active[u.Username] = struct{}{}
	return nil
}

// Logout releases the user's session and capacity slot. A user with no
// active session gets ErrNoActiveSession, a descriptive non-fatal
// condition.
func (g *Gate) Logout(ctx context.Context, username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.logoutLocked(ctx, username)
}

func (g *Gate) logoutLocked(ctx context.Context, username string) error {
	u, err := g.users.Get(ctx, username)
	if err != nil {
		return err
	}
	if _, held := g.active[u.Username]; !held {
		return ErrNoActiveSession
	}

	if err := g.users.SetLoggedIn(ctx, u.Username, false); err != nil && !errors.Is(err, user.ErrNotFound) {
		return err
	}
	delete(g.active, u.Username)
	return nil
}

// AddUser creates a directory record. The capacity counter is not
// involved; a new user starts logged out.
func (g *Gate) AddUser(ctx context.Context, username string) (user.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.users.Create(ctx, username)
}

// DeleteUser removes a directory record from either state. A held
// session is released first so its capacity slot is returned.
func (g *Gate) DeleteUser(ctx context.Context, username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	u, err := g.users.Get(ctx, username)
	if err != nil {
		return err
	}
	if err := g.users.Delete(ctx, u.Username); err != nil {
		return err
	}
	delete(g.active, u.Username)
	return nil
}

// SetSSHKeyUploaded records the out-of-band key-upload step for a user.
func (g *Gate) SetSSHKeyUploaded(ctx context.Context, username string, uploaded bool) error {
	return g.users.SetSSHKeyUploaded(ctx, username, uploaded)
}

// VerifyPermission decides whether username may enter the chat room
// under the currently enabled controls. An unknown or empty identity is
// denied outright. Otherwise both policy checks run independently and
// every failure is reported, so the caller can show the full list of
// unmet conditions.
func (g *Gate) VerifyPermission(ctx context.Context, username string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	u, err := g.users.Get(ctx, username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) || errors.Is(err, user.ErrInvalidInput) {
			return Decision{Permitted: false, Reasons: []string{ReasonNoSession}}, nil
		}
		return Decision{}, err
	}

	pol := g.policies.Snapshot()
	reasons := []string{}
	if pol.SSHRequired && !u.SSHKeyUploaded {
		reasons = append(reasons, ReasonSSHKeyMissing)
	}
	if pol.AuthRequired {
		if _, held := g.active[u.Username]; !held {
			reasons = append(reasons, ReasonNotAuthenticated)
		}
	}
	return Decision{Permitted: len(reasons) == 0, Reasons: reasons}, nil
}

// ActiveSessions reports the number of held capacity slots.
func (g *Gate) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
