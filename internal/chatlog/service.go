package chatlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gatechat/gatechat/internal/passcrypt"
)

const (
	// DefaultMaxMessages is the default retained-message bound.
	DefaultMaxMessages = 50
	// MaxContentLength is the maximum message length in runes, checked
	// against the plaintext before any encryption or mutation.
	MaxContentLength = 255
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrContentTooLong = errors.New("message content too long")
)

// Service appends to and reads the bounded message store. A single
// mutex orders timestamp and sequence assignment so that ordering is
// total even when the wall clock stalls; the atomicity of evict+insert
// itself is the repository's job.
type Service struct {
	repo        Repository
	maxMessages int
	idGen       func() string
	now         func() time.Time

	mu      sync.Mutex
	primed  bool
	lastTS  time.Time
	lastSeq uint64
}

func NewService(repo Repository, maxMessages int) *Service {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Service{
		repo:        repo,
		maxMessages: maxMessages,
		idGen:       func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// Send validates and stores a message. When encrypt is set the content
// is sealed with the password-derived cipher before storage; the KDF
// runs before the ordering lock is taken, never inside it.
func (s *Service) Send(ctx context.Context, authorID, content string, encrypt bool, password string) (Message, error) {
	if s.repo == nil {
		return Message{}, errors.New("repository is required")
	}
	if authorID == "" {
		return Message{}, ErrInvalidInput
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return Message{}, ErrContentTooLong
	}

	stored := content
	if encrypt {
		sealed, err := passcrypt.EncryptString(content, password)
		if err != nil {
			return Message{}, fmt.Errorf("encrypt message: %w", err)
		}
		stored = sealed
	}

	return s.append(ctx, authorID, stored, encrypt)
}

func (s *Service) append(ctx context.Context, authorID, content string, encrypted bool) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.primeLocked(ctx); err != nil {
		return Message{}, err
	}

	ts := s.now().UTC()
	if ts.Before(s.lastTS) {
		ts = s.lastTS
	}
	seq := s.lastSeq + 1

	msg := Message{
		ID:        s.idGen(),
		AuthorID:  authorID,
		Content:   content,
		Encrypted: encrypted,
		Timestamp: ts,
		Seq:       seq,
	}
	if err := s.repo.Insert(ctx, msg, s.maxMessages); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	s.lastTS = ts
	s.lastSeq = seq
	return msg, nil
}

// List returns the retained messages in ascending order. The slice is
// a snapshot; appends after the call begins are not reflected.
func (s *Service) List(ctx context.Context) ([]Message, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	return s.repo.ListOrdered(ctx)
}

// primeLocked restores the ordering cursor from the newest persisted
// message, so sequence numbers keep increasing across restarts.
func (s *Service) primeLocked(ctx context.Context) error {
	if s.primed {
		return nil
	}
	newest, ok, err := s.repo.Newest(ctx)
	if err != nil {
		return fmt.Errorf("load newest message: %w", err)
	}
	if ok {
		s.lastTS = newest.Timestamp
		s.lastSeq = newest.Seq
	}
	s.primed = true
	return nil
}
