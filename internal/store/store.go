// Package store implements the binding-persistence collaborator: the only
// durable surface around the core. It records which operating profile each
// session was created against, so the association survives a process restart
// even though the sessions themselves do not.
package store

import (
	"context"
	"sync"
	"time"
)

// Binding is one durable session→profile association.
type Binding struct {
	SessionID   string    `json:"session_id"`
	Kind        string    `json:"kind"`
	ProfileName string    `json:"profile_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// BindingStore is the narrow interface the session manager depends on.
type BindingStore interface {
	RecordBinding(ctx context.Context, b Binding) error
	ListBindings(ctx context.Context, sessionID string) ([]Binding, error)
	Close()
}

// Memory is the in-memory BindingStore used for tests and db-less runs.
type Memory struct {
	mu       sync.Mutex
	bindings []Binding
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordBinding(_ context.Context, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	m.bindings = append(m.bindings, b)
	return nil
}

func (m *Memory) ListBindings(_ context.Context, sessionID string) ([]Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Binding
	for _, b := range m.bindings {
		if b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) Close() {}
