package chat

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/instantcocoa/dorastudio/pkg/config"
	"github.com/instantcocoa/dorastudio/services/runtime"
)

// Store persists conversation transcripts.
type Store interface {
	// Append adds messages to the end of a transcript, creating it if needed.
	Append(ctx context.Context, id uuid.UUID, msgs ...runtime.Message) error
	// Messages returns a transcript in order. Unknown IDs yield no messages.
	Messages(ctx context.Context, id uuid.UUID) ([]runtime.Message, error)
	// List returns all conversations, most recently updated first.
	List(ctx context.Context) ([]Conversation, error)
	// Delete removes a transcript. Unknown IDs are ignored.
	Delete(ctx context.Context, id uuid.UUID) error
}

// StoreOptions contains configuration for creating a store.
type StoreOptions struct {
	Backend config.StorageBackend
	DB      *sql.DB
}

// NewStore creates a new Store based on the provided options.
func NewStore(opts StoreOptions) (Store, error) {
	switch opts.Backend {
	case config.StoragePostgres:
		if opts.DB == nil {
			return nil, fmt.Errorf("database connection required for postgres backend")
		}
		return NewPostgresStore(opts.DB), nil
	default:
		return NewMemoryStore(), nil
	}
}

type transcript struct {
	messages  []runtime.Message
	updatedAt time.Time
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[uuid.UUID]*transcript
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory transcript store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transcripts: make(map[uuid.UUID]*transcript),
		now:         time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, id uuid.UUID, msgs ...runtime.Message) error {
	if id == uuid.Nil {
		return fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transcripts[id]
	if !ok {
		t = &transcript{}
		s.transcripts[id] = t
	}
	for _, m := range msgs {
		t.messages = append(t.messages, copyMessage(m))
	}
	t.updatedAt = s.now()
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, id uuid.UUID) ([]runtime.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transcripts[id]
	if !ok {
		return nil, nil
	}
	out := make([]runtime.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = copyMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Conversation, error) {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.transcripts))
	for id, t := range s.transcripts {
		out = append(out, Conversation{ID: id, Messages: len(t.messages), UpdatedAt: t.updatedAt})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transcripts, id)
	return nil
}

func copyMessage(m runtime.Message) runtime.Message {
	if m.ToolCalls != nil {
		m.ToolCalls = append([]runtime.ToolCall(nil), m.ToolCalls...)
	}
	return m
}
