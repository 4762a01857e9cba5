package user

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// Service validates input and delegates to the Repository. It holds no
// state of its own; concurrency control for login transitions lives in
// the gate, not here.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, username string) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	name, err := normalizeUsername(username)
	if err != nil {
		return User{}, err
	}

	u := User{Username: name}
	if err := s.repo.Create(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, username string) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	name, err := normalizeUsername(username)
	if err != nil {
		return User{}, err
	}
	return s.repo.Get(ctx, name)
}

func (s *Service) Exists(ctx context.Context, username string) (bool, error) {
	_, err := s.Get(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) Delete(ctx context.Context, username string) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	name, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	return s.repo.Delete(ctx, name)
}

func (s *Service) List(ctx context.Context) ([]User, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	return s.repo.List(ctx)
}

// SetLoggedIn flags a user as logged in or out. A missing user is
// reported as ErrNotFound rather than silently ignored.
func (s *Service) SetLoggedIn(ctx context.Context, username string, loggedIn bool) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	name, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	return s.repo.SetLoggedIn(ctx, name, loggedIn)
}

// SetSSHKeyUploaded records completion of the out-of-band key-upload
// step. A missing user is reported as ErrNotFound.
func (s *Service) SetSSHKeyUploaded(ctx context.Context, username string, uploaded bool) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	name, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	return s.repo.SetSSHKeyUploaded(ctx, name, uploaded)
}

// ResetAllLoggedIn forces every record's logged_in flag to false. It
// runs once at startup, before any session is accepted.
func (s *Service) ResetAllLoggedIn(ctx context.Context) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	return s.repo.ResetAllLoggedIn(ctx)
}

func normalizeUsername(username string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(username))
	if name == "" {
		return "", ErrInvalidInput
	}
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		return "", ErrInvalidInput
	}
	return name, nil
}
