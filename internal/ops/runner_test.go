package ops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/sessiond/internal/logging"
)

func newTestRunner(t *testing.T) (*Runner, *Registry) {
	t.Helper()
	reg, _ := newTestRegistry(time.Hour)
	return NewRunner(context.Background(), reg, logging.Discard()), reg
}

func waitForState(t *testing.T, reg *Registry, userID, opID, state string) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		got, err := reg.Get(userID, opID)
		if err != nil {
			return false
		}
		rec = got
		return got.State == state
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestLaunchRunsExecutorToCompletion(t *testing.T) {
	r, reg := newTestRunner(t)
	r.RegisterKind("dataset_export", func(ctx context.Context, rec Record, report Progress) (string, error) {
		report("collect", 50, "halfway", map[string]any{"files": 2})
		return "sess-1", nil
	})

	rec, err := r.Launch("alice", "dataset_export", "")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, rec.State)

	got := waitForState(t, reg, "alice", rec.OperationID, StateCompleted)
	assert.Equal(t, "sess-1", got.TargetSessionID)
	assert.Equal(t, float64(100), got.ProgressPercent)
	assert.Equal(t, 2, got.Detail["files"])
}

func TestLaunchExecutorFailureMarksFailed(t *testing.T) {
	r, reg := newTestRunner(t)
	r.RegisterKind("model_warmup", func(ctx context.Context, rec Record, report Progress) (string, error) {
		report("load", 30, "", nil)
		return "", errors.New("weights missing")
	})

	rec, err := r.Launch("alice", "model_warmup", "")
	require.NoError(t, err)

	got := waitForState(t, reg, "alice", rec.OperationID, StateFailed)
	assert.Equal(t, "weights missing", got.Error)
	assert.Equal(t, float64(30), got.ProgressPercent)
}

func TestLaunchUnknownKind(t *testing.T) {
	r, _ := newTestRunner(t)
	_, err := r.Launch("alice", "nope", "")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestLaunchPropagatesConflict(t *testing.T) {
	r, _ := newTestRunner(t)
	block := make(chan struct{})
	r.RegisterKind("dataset_export", func(ctx context.Context, rec Record, report Progress) (string, error) {
		<-block
		return "", nil
	})

	_, err := r.Launch("alice", "dataset_export", "")
	require.NoError(t, err)

	_, err = r.Launch("alice", "dataset_export", "")
	assert.ErrorIs(t, err, ErrConflict)

	close(block)
	r.Wait()
}

func TestLaunchKeepsRequestedTargetSession(t *testing.T) {
	r, reg := newTestRunner(t)
	r.RegisterKind("dataset_export", func(ctx context.Context, rec Record, report Progress) (string, error) {
		assert.Equal(t, "sess-7", rec.TargetSessionID)
		return "", nil
	})

	rec, err := r.Launch("alice", "dataset_export", "sess-7")
	require.NoError(t, err)
	assert.Equal(t, "sess-7", rec.TargetSessionID)

	got := waitForState(t, reg, "alice", rec.OperationID, StateCompleted)
	assert.Equal(t, "sess-7", got.TargetSessionID)
}
