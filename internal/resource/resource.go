// Package resource defines the runtime-resource collaborator the session
// manager acquires on create and releases on stop. Start and Stop are
// idempotent; a runtime that is already in the requested state returns nil.
package resource

import (
	"context"
	"log/slog"
	"sync"
)

// Runtime is the narrow lifecycle interface the session manager depends on.
// Real deployments back it with recorder processes, stream bridges or model
// runtimes; tests back it with fakes.
type Runtime interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Local is an in-process Runtime with idempotent transitions. The optional
// hooks let a deployment attach real side effects while keeping idempotency
// handled here.
type Local struct {
	name   string
	logger *slog.Logger

	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error

	mu      sync.Mutex
	started bool
}

func NewLocal(name string, logger *slog.Logger) *Local {
	return &Local{
		name:   name,
		logger: logger.With("component", "resource", "runtime", name),
	}
}

func (l *Local) Name() string { return l.name }

func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return nil
	}
	if l.OnStart != nil {
		if err := l.OnStart(ctx); err != nil {
			return err
		}
	}
	l.started = true
	l.logger.Info("runtime started")
	return nil
}

func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil
	}
	l.started = false
	if l.OnStop != nil {
		if err := l.OnStop(ctx); err != nil {
			return err
		}
	}
	l.logger.Info("runtime stopped")
	return nil
}

// Running reports the current state. Used by status producers.
func (l *Local) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}
