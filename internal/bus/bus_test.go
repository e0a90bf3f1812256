package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/sessiond/internal/logging"
)

func newTestBus(queueCap int) *Bus {
	return New(queueCap, 16, logging.Discard())
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := newTestBus(8)
	sub := b.Subscribe("sessions.state", "abc")
	defer sub.Close()

	pub := b.Publish("sessions.state", "abc", map[string]any{"status": "running"})

	got := recvEvent(t, sub)
	assert.Equal(t, pub.Sequence, got.Sequence)
	assert.Equal(t, "sessions.state", got.Topic)
	assert.Equal(t, "abc", got.Key)
}

func TestSubscribeReplaysCachedValue(t *testing.T) {
	b := newTestBus(8)

	b.Publish("profiles.active", GlobalKey, "v1")
	last := b.Publish("profiles.active", GlobalKey, "v2")

	sub := b.Subscribe("profiles.active", GlobalKey)
	defer sub.Close()

	got := recvEvent(t, sub)
	assert.Equal(t, last.Sequence, got.Sequence)
	assert.Equal(t, "v2", got.Payload)

	// Only the latest value is replayed, nothing older.
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected second replay: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeEmptyChannelHasNoReplay(t *testing.T) {
	b := newTestBus(8)
	sub := b.Subscribe("sessions.state", "nope")
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event on empty channel: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelIsolation(t *testing.T) {
	b := newTestBus(8)
	subA := b.Subscribe("sessions.state", "a")
	defer subA.Close()
	subB := b.Subscribe("sessions.state", "b")
	defer subB.Close()

	b.Publish("sessions.state", "a", "for-a")

	got := recvEvent(t, subA)
	assert.Equal(t, "for-a", got.Payload)

	select {
	case ev := <-subB.Events():
		t.Fatalf("event leaked across keys: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSequencesStrictlyIncreasingAcrossChannels(t *testing.T) {
	b := newTestBus(8)

	var prev uint64
	for i := 0; i < 20; i++ {
		key := "a"
		if i%2 == 1 {
			key = "b"
		}
		ev := b.Publish("sessions.state", key, i)
		assert.Greater(t, ev.Sequence, prev)
		prev = ev.Sequence
	}
}

func TestOverflowDropsOldestKeepsNewest(t *testing.T) {
	b := newTestBus(4)
	sub := b.Subscribe("feeds.cam", GlobalKey)
	defer sub.Close()

	// Publish far more than the queue holds; the publisher must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish("feeds.cam", GlobalKey, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// Drain: at most queue-cap events survive, ordered, ending at the newest.
	var got []Event
drain:
	for {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		default:
			break drain
		}
	}
	require.Len(t, got, 4, "a stalled subscriber holds exactly queue-cap events")
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Sequence, got[i-1].Sequence)
	}
	assert.Equal(t, 49, got[len(got)-1].Payload)
}

func TestPublishFromWorkerWithoutRunUpdatesCacheOnly(t *testing.T) {
	b := newTestBus(8)
	sub := b.Subscribe("feeds.cam", GlobalKey)
	defer sub.Close()

	ev, delivered := b.PublishFromWorker("feeds.cam", GlobalKey, "frame-1")
	assert.False(t, delivered)
	assert.NotZero(t, ev.Sequence)

	cached, ok := b.LastEvent("feeds.cam", GlobalKey)
	require.True(t, ok)
	assert.Equal(t, ev.Sequence, cached.Sequence)

	select {
	case got := <-sub.Events():
		t.Fatalf("event delivered while loop not running: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFromWorkerDeliveredWhileRunning(t *testing.T) {
	b := newTestBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Wait for the dispatch loop to mark itself running.
	require.Eventually(t, func() bool {
		_, ok := b.PublishFromWorker("probe", GlobalKey, nil)
		return ok
	}, time.Second, 5*time.Millisecond)

	sub := b.Subscribe("feeds.cam", GlobalKey)
	defer sub.Close()

	ev, delivered := b.PublishFromWorker("feeds.cam", GlobalKey, "frame-1")
	require.True(t, delivered)

	got := recvEvent(t, sub)
	assert.Equal(t, ev.Sequence, got.Sequence)
	assert.Equal(t, "frame-1", got.Payload)
}

func TestInterleavedWorkerAndDirectPublishStaysOrdered(t *testing.T) {
	b := newTestBus(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	require.Eventually(t, func() bool {
		_, ok := b.PublishFromWorker("probe", GlobalKey, nil)
		return ok
	}, time.Second, 5*time.Millisecond)

	sub := b.Subscribe("sessions.state", "s1")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.PublishFromWorker("sessions.state", "s1", i)
		b.Publish("sessions.state", "s1", i)
	}

	// Regardless of how the dispatch loop interleaves with direct publishes,
	// each subscription sees strictly increasing sequences.
	deadline := time.After(2 * time.Second)
	var prev uint64
	seen := 0
	for seen < 10 {
		select {
		case ev := <-sub.Events():
			assert.Greater(t, ev.Sequence, prev)
			prev = ev.Sequence
			seen++
		case <-deadline:
			t.Fatalf("saw only %d events before timeout", seen)
		}
	}
}

func TestRunRejectsSecondLoop(t *testing.T) {
	b := newTestBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		close(started)
		b.Run(ctx)
	}()
	<-started
	require.Eventually(t, func() bool { return b.running.Load() }, time.Second, time.Millisecond)

	err := b.Run(ctx)
	assert.Error(t, err)
}

func TestCloseRemovesSubscriptionAndIsIdempotent(t *testing.T) {
	b := newTestBus(8)
	sub := b.Subscribe("sessions.state", "s1")
	assert.Equal(t, 1, b.SubscriberCount("sessions.state", "s1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount("sessions.state", "s1"))

	_, ok := <-sub.Events()
	assert.False(t, ok, "queue should be closed")

	// Publishing after close must not panic or block.
	b.Publish("sessions.state", "s1", "after")
}

func TestLastEventMissingChannel(t *testing.T) {
	b := newTestBus(8)
	_, ok := b.LastEvent("nothing", "here")
	assert.False(t, ok)
}
