// Package policy holds the process-wide server policy: which access
// controls are enabled and the shared login digest. The policy is
// persisted as a JSON file and every update is written to disk before
// it becomes visible in memory.
//
// The single shared password digest for all users is inherited from the
// original design. It is a deliberately weak authentication model kept
// for fidelity; per-user credentials would be the obvious hardening.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gatechat/gatechat/internal/credential"
)

var (
	ErrInvalidDigest = errors.New("policy: invalid password digest")
	// ErrPersist wraps any failure to durably write the policy file.
	// Updates that hit it have not taken effect.
	ErrPersist = errors.New("policy: persist failed")
)

// Policy is the full policy record. SSHRequired gates chat entry on an
// uploaded SSH key; AuthRequired gates it on a logged-in session.
type Policy struct {
	SSHRequired    bool   `json:"ssh_required"`
	AuthRequired   bool   `json:"auth_required"`
	PasswordDigest string `json:"password_digest"`
}

// Change is a partial policy update. Nil fields keep their current
// value.
type Change struct {
	SSHRequired    *bool
	AuthRequired   *bool
	PasswordDigest *string
}

// Store owns the durable policy record. All reads go through Snapshot
// and all writes through Update; fields are never mutated any other
// way.
type Store struct {
	mu      sync.Mutex
	path    string
	current Policy
}

// Open loads the policy file at path, creating it with defaults when it
// does not exist yet.
func Open(path string, defaults Policy) (*Store, error) {
	if path == "" {
		return nil, errors.New("policy path is required")
	}
	if !credential.IsDigest(defaults.PasswordDigest) {
		return nil, ErrInvalidDigest
	}

	s := &Store{path: path, current: defaults}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		if err := s.persist(defaults); err != nil {
			return nil, err
		}
		return s, nil
	}

	var loaded Policy
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if !credential.IsDigest(loaded.PasswordDigest) {
		return nil, ErrInvalidDigest
	}
	s.current = loaded
	return s, nil
}

// Snapshot returns a value copy of the current policy.
func (s *Store) Snapshot() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update validates change, persists the merged policy, and only then
// swaps the in-memory copy. On error the previous policy remains in
// force, in memory and on disk.
func (s *Store) Update(change Change) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if change.SSHRequired != nil {
		next.SSHRequired = *change.SSHRequired
	}
	if change.AuthRequired != nil {
		next.AuthRequired = *change.AuthRequired
	}
	if change.PasswordDigest != nil {
		if !credential.IsDigest(*change.PasswordDigest) {
			return Policy{}, ErrInvalidDigest
		}
		next.PasswordDigest = *change.PasswordDigest
	}

	if err := s.persist(next); err != nil {
		return Policy{}, err
	}
	s.current = next
	return next, nil
}

// persist writes p to a temp file in the target directory and renames
// it over the policy file, so a crash never leaves a partial record.
func (s *Store) persist(p Policy) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersist, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".policy-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrPersist, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write temp: %v", ErrPersist, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp: %v", ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: close temp: %v", ErrPersist, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", ErrPersist, err)
	}
	return nil
}
