// Package presence tracks which users currently hold a live relay endpoint.
// Call initiation consults it to fail fast when the callee is unreachable.
package presence

import (
	"context"
	"sync"
	"time"
)

// Registry records relay endpoints per user. Endpoints expire unless
// refreshed within the TTL, so a crashed instance cannot pin a user online.
type Registry interface {
	Register(ctx context.Context, userID, endpointID string) error
	Refresh(ctx context.Context, userID, endpointID string) error
	Unregister(ctx context.Context, userID, endpointID string) error
	Online(ctx context.Context, userID string) (bool, error)
}

// Memory is a single-process Registry.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	users map[string]map[string]time.Time
}

// NewMemory creates a Memory registry whose entries live for ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:   ttl,
		now:   time.Now,
		users: make(map[string]map[string]time.Time),
	}
}

// WithClock overrides the time source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Register(_ context.Context, userID, endpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.users[userID]
	if eps == nil {
		eps = make(map[string]time.Time)
		m.users[userID] = eps
	}
	eps[endpointID] = m.now().Add(m.ttl)
	return nil
}

func (m *Memory) Refresh(ctx context.Context, userID, endpointID string) error {
	return m.Register(ctx, userID, endpointID)
}

func (m *Memory) Unregister(_ context.Context, userID, endpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users[userID], endpointID)
	if len(m.users[userID]) == 0 {
		delete(m.users, userID)
	}
	return nil
}

func (m *Memory) Online(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, exp := range m.users[userID] {
		if now.Before(exp) {
			return true, nil
		}
		delete(m.users[userID], id)
	}
	delete(m.users, userID)
	return false, nil
}
