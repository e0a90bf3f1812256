package ops

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Progress is handed to executors so they can report phase transitions
// without touching the registry directly.
type Progress func(phase string, percent float64, message string, detail map[string]any)

// ExecutorFunc performs one operation kind. The returned session id, if any,
// is attached to the completed record.
type ExecutorFunc func(ctx context.Context, rec Record, report Progress) (string, error)

// Runner creates registry records and drives registered executors to a
// terminal state in the background.
type Runner struct {
	registry *Registry
	logger   *slog.Logger

	mu    sync.RWMutex
	kinds map[string]ExecutorFunc

	ctx context.Context
	wg  sync.WaitGroup
}

func NewRunner(ctx context.Context, registry *Registry, logger *slog.Logger) *Runner {
	return &Runner{
		registry: registry,
		logger:   logger.With("component", "ops-runner"),
		kinds:    make(map[string]ExecutorFunc),
		ctx:      ctx,
	}
}

// RegisterKind installs the executor for a kind, replacing any previous one.
func (r *Runner) RegisterKind(kind string, fn ExecutorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = fn
}

// Launch creates the tracking record and starts the executor asynchronously.
// The queued record is returned immediately; progress flows through the
// registry's status channel.
func (r *Runner) Launch(userID, kind, targetSessionID string) (Record, error) {
	r.mu.RLock()
	fn, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: operation kind %q", ErrUnknownKind, kind)
	}

	rec, err := r.registry.Create(userID, kind)
	if err != nil {
		return Record{}, err
	}
	if targetSessionID != "" {
		rec.TargetSessionID = targetSessionID
	}

	r.logger.Debug("operation launched",
		"operation_id", rec.OperationID, "user_id", userID, "kind", kind)
	r.wg.Add(1)
	go r.execute(rec, fn)
	return rec, nil
}

// Wait blocks until all in-flight executors have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) execute(rec Record, fn ExecutorFunc) {
	defer r.wg.Done()

	report := func(phase string, percent float64, message string, detail map[string]any) {
		r.registry.SetRunning(rec.OperationID, phase, percent, message, detail)
	}

	sessionID, err := fn(r.ctx, rec, report)
	if err != nil {
		r.registry.Fail(rec.OperationID, "Operation did not complete", err.Error())
		return
	}

	if sessionID == "" {
		sessionID = rec.TargetSessionID
	}
	r.registry.Complete(rec.OperationID, sessionID, "")
}
