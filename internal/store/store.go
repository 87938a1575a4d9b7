// ABOUTME: Store interface and data types for wallboard-gateway persistence
// ABOUTME: Defines the Message record and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Message types
const (
	MessageTypeDirect    = "direct"    // Addressed to a single recipient identity
	MessageTypeBroadcast = "broadcast" // Addressed to all eligible online connections
)

// Message priorities
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Message represents a durably recorded wallboard message. A record is
// immutable after insert except for the unread→read transition, which is
// one-way: IsRead never returns to false and ReadAt keeps the first mark.
type Message struct {
	ID        string
	FromCode  string
	ToCode    *string // nil for broadcasts
	Content   string
	Type      string // "direct" or "broadcast"
	Priority  string
	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

// Store defines the persistence contract consumed by the relay core.
type Store interface {
	// InsertMessage persists a new message record, assigning ID and
	// CreatedAt if unset.
	InsertMessage(ctx context.Context, msg *Message) error

	// GetMessage retrieves a message by ID, or ErrNotFound.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// MarkRead records the unread→read transition. Marking an already-read
	// message is a no-op; ReadAt keeps the first successful mark.
	// Returns ErrNotFound for an unknown ID.
	MarkRead(ctx context.Context, id string) error

	// QueryInbox returns messages addressed to the identity (direct) plus
	// broadcasts, newest first, up to limit.
	QueryInbox(ctx context.Context, identity string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
