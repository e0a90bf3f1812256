// Package ops tracks asynchronous operations — progress-reporting multi-step
// actions with a terminal outcome, distinct from sessions. Records live only
// in memory; terminal records are purged lazily once their TTL elapses.
package ops

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessiond/sessiond/internal/bus"
)

// TopicOperationStatus carries operation snapshots, keyed by operation id.
const TopicOperationStatus = "operations.status"

// Operation states. queued and running are non-terminal; completed and
// failed are terminal and subject to TTL cleanup.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

var (
	// ErrNotFound is returned when an operation does not exist or does not
	// belong to the requesting user.
	ErrNotFound = errors.New("operation not found")
	// ErrConflict is returned when the user already has a non-terminal
	// operation of the same kind.
	ErrConflict = errors.New("operation already in progress")
	// ErrUnknownKind is returned for kinds with no registered executor.
	ErrUnknownKind = errors.New("unknown operation kind")
)

// Record is a snapshot of one tracked operation. Detail is a free-form
// struct merged field-by-field by SetRunning.
type Record struct {
	OperationID     string         `json:"operation_id"`
	UserID          string         `json:"user_id"`
	Kind            string         `json:"kind"`
	State           string         `json:"state"`
	Phase           string         `json:"phase"`
	ProgressPercent float64        `json:"progress_percent"`
	Message         string         `json:"message,omitempty"`
	TargetSessionID string         `json:"target_session_id,omitempty"`
	Error           string         `json:"error,omitempty"`
	Detail          map[string]any `json:"detail,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (r Record) terminal() bool {
	return r.State == StateCompleted || r.State == StateFailed
}

// snapshot copies the record so callers never share the registry's maps.
func (r *Record) snapshot() Record {
	out := *r
	if r.Detail != nil {
		out.Detail = make(map[string]any, len(r.Detail))
		for k, v := range r.Detail {
			out.Detail[k] = v
		}
	}
	return out
}

// Registry is the in-memory operation table. now is injectable for TTL tests.
type Registry struct {
	bus    *bus.Bus
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

func NewRegistry(b *bus.Bus, ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		bus:     b,
		logger:  logger.With("component", "ops"),
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]*Record),
	}
}

// SetClock overrides the registry's time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Create allocates a queued operation for (userID, kind). It fails with
// ErrConflict while a non-terminal operation of the same kind exists for the
// user, and opportunistically sweeps expired terminal records first.
func (r *Registry) Create(userID, kind string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	for _, rec := range r.records {
		if rec.UserID == userID && rec.Kind == kind && !rec.terminal() {
			return Record{}, fmt.Errorf("user %s kind %s: %w", userID, kind, ErrConflict)
		}
	}

	rec := &Record{
		OperationID:     uuid.NewString(),
		UserID:          userID,
		Kind:            kind,
		State:           StateQueued,
		Phase:           "queued",
		ProgressPercent: 0,
		UpdatedAt:       r.now(),
	}
	r.records[rec.OperationID] = rec

	r.logger.Info("operation created",
		"operation_id", rec.OperationID,
		"user_id", userID,
		"kind", kind,
	)
	return r.publishLocked(rec), nil
}

// SetRunning moves the operation to running and updates its progress. The
// supplied detail fields are merged into the existing detail struct;
// unspecified fields are preserved. Unknown ids are a no-op.
func (r *Registry) SetRunning(operationID, phase string, progressPercent float64, message string, detail map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[operationID]
	if !ok {
		return
	}

	rec.State = StateRunning
	rec.Phase = phase
	rec.ProgressPercent = clampProgress(progressPercent)
	rec.Message = message
	if len(detail) > 0 {
		if rec.Detail == nil {
			rec.Detail = make(map[string]any, len(detail))
		}
		for k, v := range detail {
			rec.Detail[k] = v
		}
	}
	rec.UpdatedAt = r.now()
	r.publishLocked(rec)
}

// Complete marks the operation finished and binds it to the session it
// produced, if any. Unknown ids are a no-op.
func (r *Registry) Complete(operationID, targetSessionID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[operationID]
	if !ok {
		return
	}

	rec.State = StateCompleted
	rec.Phase = "done"
	rec.ProgressPercent = 100
	rec.TargetSessionID = targetSessionID
	if message != "" {
		rec.Message = message
	}
	rec.UpdatedAt = r.now()

	r.logger.Info("operation completed",
		"operation_id", operationID,
		"target_session_id", targetSessionID,
	)
	r.publishLocked(rec)
}

// Fail marks the operation failed. Progress is left at its last reported
// value so viewers can see how far it got. Unknown ids are a no-op.
func (r *Registry) Fail(operationID, message, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[operationID]
	if !ok {
		return
	}

	rec.State = StateFailed
	rec.Phase = "error"
	rec.Message = message
	rec.Error = errMsg
	rec.UpdatedAt = r.now()

	r.logger.Warn("operation failed",
		"operation_id", operationID,
		"error", errMsg,
	)
	r.publishLocked(rec)
}

// Get returns the record only when it exists and belongs to userID; anything
// else is ErrNotFound so one user cannot probe another's operations. Expired
// terminal records are swept first.
func (r *Registry) Get(userID, operationID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	rec, ok := r.records[operationID]
	if !ok || rec.UserID != userID {
		return Record{}, fmt.Errorf("operation %s: %w", operationID, ErrNotFound)
	}
	return rec.snapshot(), nil
}

// sweepLocked purges terminal records whose last update precedes now-ttl.
func (r *Registry) sweepLocked() {
	cutoff := r.now().Add(-r.ttl)
	for id, rec := range r.records {
		if rec.terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(r.records, id)
			r.logger.Debug("operation record purged", "operation_id", id)
		}
	}
}

// publishLocked pushes the record's snapshot on the operation channel and
// returns it.
func (r *Registry) publishLocked(rec *Record) Record {
	snap := rec.snapshot()
	r.bus.Publish(TopicOperationStatus, rec.OperationID, snap)
	return snap
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
