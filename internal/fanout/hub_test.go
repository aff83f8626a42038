package fanout

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	h := New(Config{}, nil)
	a := h.Subscribe()
	b := h.Subscribe()

	require.NoError(t, h.Publish("ticket_updated", map[string]string{"id": "approval-1"}))

	for _, sub := range []*Subscription{a, b} {
		n := <-sub.C
		assert.Equal(t, "ticket_updated", n.Event)
		assert.JSONEq(t, `{"id":"approval-1"}`, string(n.Data))
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	h := New(Config{QueueSize: 1000, BacklogThreshold: 1000}, nil)
	sub := h.Subscribe()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Publish("tick", i)
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < 400; i++ {
		n := <-sub.C
		assert.Greater(t, n.Seq, last, "notification %d out of order", i)
		last = n.Seq
	}
}

func TestPublishDoesNotBlockOnFullQueue(t *testing.T) {
	h := New(Config{QueueSize: 2, BacklogThreshold: 2}, nil)
	slow := h.Subscribe()
	fast := h.Subscribe()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish("tick", i))
		<-fast.C
	}
	assert.Equal(t, 2, slow.Backlog())

	first := <-slow.C
	var v int
	json.Unmarshal(first.Data, &v)
	assert.Equal(t, 0, v, "oldest queued event is delivered first")
}

func TestSweepPrunesOnlyBackloggedSubscriber(t *testing.T) {
	h := New(Config{QueueSize: 8, BacklogThreshold: 3}, nil)
	stale := h.Subscribe()
	live := h.Subscribe()

	for i := 0; i < 5; i++ {
		h.Publish("tick", i)
		<-live.C
	}

	assert.Equal(t, 1, h.Sweep())
	assert.Equal(t, 1, h.Len())

	// The pruned channel drains and then closes.
	count := 0
	for range stale.C {
		count++
	}
	assert.Equal(t, 5, count)

	h.Publish("after", nil)
	n, ok := <-live.C
	require.True(t, ok)
	assert.Equal(t, "after", n.Event)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := New(Config{}, nil)
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())
	assert.NoError(t, h.Publish("x", nil))
}

func TestPublishMarshalError(t *testing.T) {
	h := New(Config{}, nil)
	err := h.Publish("bad", make(chan int))
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	h := New(Config{QueueSize: 10, BacklogThreshold: 50}, nil)
	assert.Equal(t, 10, h.cfg.BacklogThreshold, "threshold is clamped to queue size")

	h = New(Config{}, nil)
	assert.Equal(t, DefaultQueueSize, h.cfg.QueueSize)
	assert.Equal(t, DefaultBacklogThreshold, h.cfg.BacklogThreshold)
}

func ExampleHub() {
	h := New(Config{}, nil)
	sub := h.Subscribe()
	h.Publish("ticket_created", map[string]string{"id": "approval-abc123"})
	n := <-sub.C
	fmt.Println(n.Event, string(n.Data))
	// Output: ticket_created {"id":"approval-abc123"}
}
