// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	messages map[string]*Message // keyed by message ID

	// InsertErr, when set, is returned by InsertMessage to simulate a
	// persistence failure.
	InsertErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		messages: make(map[string]*Message),
	}
}

// InsertMessage stores a new message.
func (m *MockStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertErr != nil {
		return m.InsertErr
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}

	// Make a copy to avoid external modification
	c := *msg
	m.messages[c.ID] = &c
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *msg
	return &c, nil
}

// MarkRead marks a message as read, keeping the first mark's timestamp.
func (m *MockStore) MarkRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.IsRead {
		return nil
	}
	now := time.Now()
	msg.IsRead = true
	msg.ReadAt = &now
	return nil
}

// QueryInbox lists messages visible to an identity, newest first.
func (m *MockStore) QueryInbox(ctx context.Context, identity string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var result []*Message
	for _, msg := range m.messages {
		if msg.Type == MessageTypeBroadcast || (msg.ToCode != nil && *msg.ToCode == identity) {
			c := *msg
			result = append(result, &c)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// AllMessages returns every stored message, for test assertions.
func (m *MockStore) AllMessages() []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		c := *msg
		out = append(out, &c)
	}
	return out
}
