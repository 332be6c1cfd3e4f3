package authority

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []EventKind
	q := NewQueue(8, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Kind)
	})
	q.Handle(Event{Kind: EventWatchdogTripped})
	q.Handle(Event{Kind: EventWatchdogCleared})
	q.Close()

	assert.Equal(t, []EventKind{EventWatchdogTripped, EventWatchdogCleared}, got)
	assert.Zero(t, q.Dropped())
}

func TestQueue_BlockedSinkDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	q := NewQueue(1, func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			q.Handle(Event{Kind: EventWatchdogTripped})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked on a stuck sink")
	}
	assert.GreaterOrEqual(t, q.Dropped(), uint64(3))

	close(release)
	q.Close()
	q.Handle(Event{Kind: EventNeutralForced})
	require.GreaterOrEqual(t, q.Dropped(), uint64(4), "events after Close are dropped")
}
