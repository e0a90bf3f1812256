// Package session implements the generic lifecycle engine for long-running
// controlled activities: recording, teleoperation and inference sessions all
// share the one state machine, specialized through per-kind strategies
// instead of inheritance.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/sessiond/sessiond/internal/profile"
)

// TopicSessionState carries session snapshots, keyed by session id.
const TopicSessionState = "sessions.state"

// Session statuses. stopped is terminal and non-resurrectable; a new attempt
// requires a new id.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned for transitions the current status forbids and
	// for single-slot kinds whose slot is occupied.
	ErrConflict = errors.New("session conflict")
	// ErrUnknownKind is returned when no strategy is registered for a kind.
	ErrUnknownKind = errors.New("unknown session kind")
	// ErrResourceAcquisition wraps failures of the external runtime resource
	// during create; the session is never registered when it occurs.
	ErrResourceAcquisition = errors.New("resource acquisition failed")
)

// Session is the live state of one controlled activity.
type Session struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	Profile   string         `json:"profile"`
	CreatedAt time.Time      `json:"created_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Extras    map[string]any `json:"extras,omitempty"`
}

func (s *Session) active() bool {
	return s.Status == StatusCreated || s.Status == StatusRunning
}

// snapshot copies the session so callers never alias the manager's state.
func (s *Session) snapshot() Session {
	out := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.Extras != nil {
		out.Extras = make(map[string]any, len(s.Extras))
		for k, v := range s.Extras {
			out.Extras[k] = v
		}
	}
	return out
}

// Strategy specializes the lifecycle engine for one session kind: id
// generation, resource acquisition and release, and any extra payload the
// kind contributes to snapshots. Strategies must not weaken the engine's
// invariants.
type Strategy interface {
	Kind() string
	// NewID picks the id for a new session. Single-slot kinds return a fixed
	// id, which makes the engine's one-live-session-per-id rule enforce the
	// single active slot.
	NewID() string
	AcquireResource(ctx context.Context, s *Session) error
	ReleaseResource(ctx context.Context, s *Session) error
	ExtraPayload(s *Session) map[string]any
}

// ProfileResolver is the profile-resolution collaborator: explicit lookup by
// name plus "the currently active operating profile". Satisfied by
// profile.Service.
type ProfileResolver interface {
	Get(name string) (profile.Profile, error)
	Active() (profile.Profile, error)
}
