package chatlog

import (
	"context"
	"time"
)

// Message is an immutable chat record. Content holds plaintext, or
// base64 ciphertext when Encrypted is set. Ordering is by (Timestamp,
// Seq): timestamps are monotonically non-decreasing across appends and
// Seq breaks ties between appends that share a low-resolution clock
// reading.
type Message struct {
	ID        string
	AuthorID  string
	Content   string
	Encrypted bool
	Timestamp time.Time
	Seq       uint64
}

// Repository persists the bounded message sequence.
type Repository interface {
	// Insert stores msg, first evicting the chronologically oldest
	// records needed to keep the total at or below maxCount. Eviction
	// and insertion are a single atomic step: a concurrent reader never
	// observes the store above the bound or transiently empty.
	Insert(ctx context.Context, msg Message, maxCount int) error
	// ListOrdered returns a snapshot of all retained messages in
	// ascending (Timestamp, Seq) order.
	ListOrdered(ctx context.Context) ([]Message, error)
	// Newest returns the most recent message, or ok=false when the
	// store is empty. Used to restore the ordering cursor on startup.
	Newest(ctx context.Context) (msg Message, ok bool, err error)
}
