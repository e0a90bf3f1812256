package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/sessiond/internal/bus"
	"github.com/sessiond/sessiond/internal/logging"
)

func newTestService() (*Service, *bus.Bus) {
	b := bus.New(16, 16, logging.Discard())
	return NewService(b, logging.Discard()), b
}

func TestActiveBeforeAnySet(t *testing.T) {
	s, _ := newTestService()
	_, err := s.Active()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetActiveAndResolve(t *testing.T) {
	s, _ := newTestService()
	s.Register(Profile{Name: "default", Snapshot: map[string]any{"fps": 30}})
	s.Register(Profile{Name: "lowres"})

	_, err := s.SetActive("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := s.SetActive("default")
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)

	got, err := s.Active()
	require.NoError(t, err)
	assert.Equal(t, "default", got.Name)
	assert.Equal(t, 30, got.Snapshot["fps"])
}

func TestRegisterReplaces(t *testing.T) {
	s, _ := newTestService()
	s.Register(Profile{Name: "default", Snapshot: map[string]any{"fps": 30}})
	s.Register(Profile{Name: "default", Snapshot: map[string]any{"fps": 60}})

	got, err := s.Get("default")
	require.NoError(t, err)
	assert.Equal(t, 60, got.Snapshot["fps"])
	assert.Len(t, s.List(), 1)
}

func TestSetActiveAnnouncesOnBus(t *testing.T) {
	s, b := newTestService()
	s.Register(Profile{Name: "default"})

	sub := b.Subscribe(TopicActiveProfile, GlobalKey)
	defer sub.Close()

	_, err := s.SetActive("default")
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		p, ok := ev.Payload.(Profile)
		require.True(t, ok)
		assert.Equal(t, "default", p.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no active-profile event published")
	}

	// Late subscribers get the current active profile replayed.
	late := b.Subscribe(TopicActiveProfile, GlobalKey)
	defer late.Close()
	select {
	case ev := <-late.Events():
		p, ok := ev.Payload.(Profile)
		require.True(t, ok)
		assert.Equal(t, "default", p.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("cached active profile not replayed")
	}
}
