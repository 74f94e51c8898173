package callserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Call statuses recorded by the service.
const (
	StatusDialing   = "dialing"
	StatusConnected = "connected"
	StatusEnded     = "ended"
)

// ErrCallNotFound is returned by stores for unknown call ids.
var ErrCallNotFound = errors.New("call not found")

// CallRecord is the service's record of one placed call.
type CallRecord struct {
	CallID      string    `json:"call_id"`
	PhoneNumber string    `json:"phone_number"`
	TwilioSID   string    `json:"twilio_sid"`
	StreamSID   string    `json:"stream_sid,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ended reports whether the call has finished.
func (r *CallRecord) Ended() bool {
	return r.Status == StatusEnded
}

// CallStore keeps call records. Update applies fn atomically with respect
// to other updates of the same call.
type CallStore interface {
	Create(ctx context.Context, rec *CallRecord) error
	Get(ctx context.Context, callID string) (*CallRecord, error)
	Update(ctx context.Context, callID string, fn func(*CallRecord)) (*CallRecord, error)
	Delete(ctx context.Context, callID string) error
	Close() error
}

// OpenStore builds the store selected by cfg.CallStore.
func OpenStore(ctx context.Context, cfg Config, logger *slog.Logger) (CallStore, error) {
	switch cfg.CallStore {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		rs, err := NewRedisStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case "postgres":
		ps, err := NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unknown call store %q", cfg.CallStore)
	}
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]*CallRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]*CallRecord)}
}

func (m *MemoryStore) Create(_ context.Context, rec *CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[rec.CallID]; exists {
		return fmt.Errorf("call already exists: %s", rec.CallID)
	}
	cp := *rec
	m.calls[rec.CallID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, callID string, fn func(*CallRecord)) (*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	fn(rec)
	rec.UpdatedAt = time.Now()
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, callID)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
