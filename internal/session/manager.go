package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sessiond/sessiond/internal/bus"
	"github.com/sessiond/sessiond/internal/profile"
	"github.com/sessiond/sessiond/internal/store"
)

// Manager is the lifecycle engine. One instance owns the live session table
// for every registered kind.
type Manager struct {
	bus      *bus.Bus
	resolver ProfileResolver
	bindings store.BindingStore
	logger   *slog.Logger

	mu         sync.Mutex
	strategies map[string]Strategy
	sessions   map[string]*Session
	// pending reserves ids between the slot check and registration so two
	// concurrent creates cannot both acquire the same slot. Resource
	// acquisition happens outside the lock.
	pending map[string]bool
}

func NewManager(b *bus.Bus, resolver ProfileResolver, bindings store.BindingStore, logger *slog.Logger) *Manager {
	return &Manager{
		bus:        b,
		resolver:   resolver,
		bindings:   bindings,
		logger:     logger.With("component", "session"),
		strategies: make(map[string]Strategy),
		sessions:   make(map[string]*Session),
		pending:    make(map[string]bool),
	}
}

// RegisterStrategy adds a kind to the engine.
func (m *Manager) RegisterStrategy(s Strategy) {
	m.mu.Lock()
	m.strategies[s.Kind()] = s
	m.mu.Unlock()
}

// Create resolves the operating profile (explicit name, or the active one
// when profileName is empty), acquires the kind's runtime resource, then
// registers the session and durably records the session→profile binding.
// On acquisition failure the session is never registered.
func (m *Manager) Create(ctx context.Context, kind, profileName string) (Session, error) {
	m.mu.Lock()
	strat, ok := m.strategies[kind]
	m.mu.Unlock()
	if !ok {
		return Session{}, fmt.Errorf("kind %q: %w", kind, ErrUnknownKind)
	}

	var (
		prof profile.Profile
		err  error
	)
	if profileName != "" {
		prof, err = m.resolver.Get(profileName)
	} else {
		prof, err = m.resolver.Active()
	}
	if err != nil {
		return Session{}, fmt.Errorf("resolve profile for kind %q: %w", kind, err)
	}

	id := strat.NewID()

	// Reserve the id before doing any slow work outside the lock.
	m.mu.Lock()
	if m.pending[id] {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("session %s is being created: %w", id, ErrConflict)
	}
	if existing, ok := m.sessions[id]; ok && existing.Status != StatusStopped {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("session %s already active: %w", id, ErrConflict)
	}
	m.pending[id] = true
	m.mu.Unlock()

	sess := &Session{
		ID:        id,
		Kind:      kind,
		Status:    StatusCreated,
		Profile:   prof.Name,
		CreatedAt: time.Now(),
	}

	if err := strat.AcquireResource(ctx, sess); err != nil {
		m.unreserve(id)
		return Session{}, fmt.Errorf("session %s kind %s: %w: %w", id, kind, ErrResourceAcquisition, err)
	}

	if err := m.bindings.RecordBinding(ctx, store.Binding{
		SessionID:   id,
		Kind:        kind,
		ProfileName: prof.Name,
	}); err != nil {
		// The binding is the durability contract for create; undo the
		// acquisition and fail rather than register an unrecorded session.
		if relErr := strat.ReleaseResource(ctx, sess); relErr != nil {
			m.logger.Error("failed to release resource after binding failure",
				"session_id", id,
				"error", relErr,
			)
		}
		m.unreserve(id)
		return Session{}, fmt.Errorf("record binding for session %s: %w", id, err)
	}

	sess.Extras = strat.ExtraPayload(sess)

	m.mu.Lock()
	delete(m.pending, id)
	m.sessions[id] = sess
	snap := sess.snapshot()
	m.mu.Unlock()

	m.logger.Info("session created",
		"session_id", id,
		"kind", kind,
		"profile", prof.Name,
	)
	m.bus.Publish(TopicSessionState, id, snap)
	return snap, nil
}

// Start moves a created session to running. StartedAt is set only on the
// first transition; starting a running session is an idempotent no-op.
func (m *Manager) Start(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	switch sess.Status {
	case StatusCreated:
		sess.Status = StatusRunning
		if sess.StartedAt == nil {
			now := time.Now()
			sess.StartedAt = &now
		}
	case StatusRunning:
		// idempotent
	default:
		status := sess.Status
		m.mu.Unlock()
		return Session{}, fmt.Errorf("cannot start session %s in status %s: %w", id, status, ErrConflict)
	}
	snap := sess.snapshot()
	m.mu.Unlock()

	m.logger.Info("session started", "session_id", id, "kind", snap.Kind)
	m.bus.Publish(TopicSessionState, id, snap)
	return snap, nil
}

// Pause suspends a running session.
func (m *Manager) Pause(ctx context.Context, id string) (Session, error) {
	return m.transition(id, StatusRunning, StatusPaused, "paused")
}

// Resume returns a paused session to running.
func (m *Manager) Resume(ctx context.Context, id string) (Session, error) {
	return m.transition(id, StatusPaused, StatusRunning, "resumed")
}

// Stop removes the session from the live table unconditionally and releases
// its runtime resource best-effort: a release failure is logged, not raised,
// because an orphaned table entry is worse than an imperfect teardown.
func (m *Manager) Stop(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	sess.Status = StatusStopped
	strat := m.strategies[sess.Kind]
	snap := sess.snapshot()
	m.mu.Unlock()

	if strat != nil {
		if err := strat.ReleaseResource(ctx, sess); err != nil {
			m.logger.Error("resource release failed during stop",
				"session_id", id,
				"kind", sess.Kind,
				"error", err,
			)
		}
	}

	m.logger.Info("session stopped", "session_id", id, "kind", snap.Kind)
	m.bus.Publish(TopicSessionState, id, snap)
	return snap, nil
}

// Get returns the session snapshot for id.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess.snapshot(), nil
}

// List returns snapshots of every live session.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// AnyActive returns any session with status created or running, supporting
// the "current session" semantics of single-slot kinds.
func (m *Manager) AnyActive() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.active() {
			return sess.snapshot(), true
		}
	}
	return Session{}, false
}

func (m *Manager) transition(id, from, to, verb string) (Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if sess.Status != from {
		status := sess.Status
		m.mu.Unlock()
		return Session{}, fmt.Errorf("cannot %s session %s in status %s: %w", verb, id, status, ErrConflict)
	}
	sess.Status = to
	snap := sess.snapshot()
	m.mu.Unlock()

	m.logger.Info("session "+verb, "session_id", id)
	m.bus.Publish(TopicSessionState, id, snap)
	return snap, nil
}

func (m *Manager) unreserve(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}
