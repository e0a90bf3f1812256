package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/sessiond/sessiond/internal/resource"
)

// Built-in session kinds.
const (
	KindRecording = "recording"
	KindTeleop    = "teleop"
	KindInference = "inference"
)

// kindStrategy is the composition-based specialization for the built-in
// kinds: a runtime resource, optional single-slot semantics and an extras
// hook. Kinds that need more override nothing in the engine — they supply a
// different Strategy.
type kindStrategy struct {
	kind       string
	singleSlot bool
	runtime    resource.Runtime
	extras     func(s *Session) map[string]any
}

func (k *kindStrategy) Kind() string { return k.kind }

// NewID returns the kind name itself for single-slot kinds, collapsing them
// to one reusable id, and a fresh uuid otherwise.
func (k *kindStrategy) NewID() string {
	if k.singleSlot {
		return k.kind
	}
	return uuid.NewString()
}

func (k *kindStrategy) AcquireResource(ctx context.Context, s *Session) error {
	return k.runtime.Start(ctx)
}

func (k *kindStrategy) ReleaseResource(ctx context.Context, s *Session) error {
	return k.runtime.Stop(ctx)
}

func (k *kindStrategy) ExtraPayload(s *Session) map[string]any {
	if k.extras == nil {
		return nil
	}
	return k.extras(s)
}

// NewRecordingStrategy builds the single-slot recording kind backed by the
// recorder runtime.
func NewRecordingStrategy(rt resource.Runtime) Strategy {
	return &kindStrategy{
		kind:       KindRecording,
		singleSlot: true,
		runtime:    rt,
		extras: func(s *Session) map[string]any {
			return map[string]any{"recorder": rt.Name()}
		},
	}
}

// NewTeleopStrategy builds the single-slot teleoperation kind backed by the
// stream bridge runtime.
func NewTeleopStrategy(rt resource.Runtime) Strategy {
	return &kindStrategy{
		kind:       KindTeleop,
		singleSlot: true,
		runtime:    rt,
		extras: func(s *Session) map[string]any {
			return map[string]any{"stream": rt.Name()}
		},
	}
}

// NewInferenceStrategy builds the multi-slot inference kind; each session
// gets its own id.
func NewInferenceStrategy(rt resource.Runtime) Strategy {
	return &kindStrategy{
		kind:    KindInference,
		runtime: rt,
	}
}
