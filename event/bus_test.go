package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type ping struct {
	N int
}

type pong struct {
	S string
}

func newTestBus() (*Bus, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewBus(zap.New(core)), logs
}

func TestPublishReachesTypedSubscribers(t *testing.T) {
	b, _ := newTestBus()

	var got []int
	Subscribe(b, func(_ *Event, p *ping) {
		got = append(got, p.N)
	})
	Subscribe(b, func(_ *Event, p *ping) {
		got = append(got, p.N*10)
	})

	Publish(b, ping{N: 7})
	require.Equal(t, []int{7, 70}, got)

	// a different event type does not reach ping subscribers
	Publish(b, pong{S: "x"})
	require.Equal(t, []int{7, 70}, got)
}

func TestGlobalSubscribersRunAfterTyped(t *testing.T) {
	b, _ := newTestBus()

	var order []string
	b.SubscribeToAll(func(ev *Event) {
		order = append(order, "global:"+ev.TypeName())
	})
	Subscribe(b, func(*Event, *ping) {
		order = append(order, "typed")
	})

	Publish(b, ping{})
	require.Equal(t, []string{"typed", "global:event.ping"}, order)
}

func TestPublishHandledStopsRemainingCallbacks(t *testing.T) {
	// Once a callback marks the event handled, every callback that has
	// not yet been invoked in the same pass is skipped, including the
	// global list. Callbacks that already ran are unaffected.
	b, _ := newTestBus()

	var order []string
	Subscribe(b, func(*Event, *ping) {
		order = append(order, "first")
	})
	Subscribe(b, func(ev *Event, _ *ping) {
		order = append(order, "second")
		ev.SetHandled()
	})
	Subscribe(b, func(*Event, *ping) {
		order = append(order, "third")
	})
	b.SubscribeToAll(func(*Event) {
		order = append(order, "global")
	})

	Publish(b, ping{})
	require.Equal(t, []string{"first", "second"}, order)

	// the handled flag does not leak into the next publish
	order = nil
	Publish(b, pong{})
	require.Equal(t, []string{"global"}, order)
}

func TestCallbackPanicIsIsolated(t *testing.T) {
	b, logs := newTestBus()

	var secondRan bool
	Subscribe(b, func(*Event, *ping) {
		panic("subscriber bug")
	})
	Subscribe(b, func(*Event, *ping) {
		secondRan = true
	})

	require.NotPanics(t, func() {
		Publish(b, ping{})
	})
	require.True(t, secondRan)
	require.Equal(t, 1, logs.FilterMessage("event callback panicked").Len())
}

func TestUnsubscribe(t *testing.T) {
	b, _ := newTestBus()

	var count int
	id := Subscribe(b, func(*Event, *ping) { count++ })

	Publish(b, ping{})
	b.Unsubscribe(id)
	Publish(b, ping{})
	require.Equal(t, 1, count)

	// unknown ids are ignored
	b.Unsubscribe(ID(9999))
}

func TestUnsubscribeGlobal(t *testing.T) {
	b, _ := newTestBus()

	var count int
	id := b.SubscribeToAll(func(*Event) { count++ })

	Publish(b, ping{})
	b.Unsubscribe(id)
	Publish(b, ping{})
	require.Equal(t, 1, count)
}

func TestReentrantSubscribeDuringPublish(t *testing.T) {
	b, _ := newTestBus()

	var lateRan bool
	Subscribe(b, func(*Event, *ping) {
		// takes effect for the next publish, not this one
		Subscribe(b, func(*Event, *ping) { lateRan = true })
	})

	Publish(b, ping{})
	require.False(t, lateRan)

	Publish(b, ping{})
	require.True(t, lateRan)
}

func TestReentrantUnsubscribeDuringPublish(t *testing.T) {
	b, _ := newTestBus()

	var ids []ID
	var calls int
	ids = append(ids, Subscribe(b, func(*Event, *ping) {
		calls++
		// removing the other subscription mid-pass must not corrupt the
		// snapshot; it still runs this pass
		b.Unsubscribe(ids[1])
	}))
	ids = append(ids, Subscribe(b, func(*Event, *ping) {
		calls++
	}))

	Publish(b, ping{})
	require.Equal(t, 2, calls)

	Publish(b, ping{})
	require.Equal(t, 3, calls)
}

func TestSubscriptionTimeout(t *testing.T) {
	b, _ := newTestBus()

	now := time.Now()
	b.now = func() time.Time { return now }

	var count int
	id := SubscribeWithTimeout(b, func(*Event, *ping) { count++ }, time.Minute)

	Publish(b, ping{})
	require.Equal(t, 1, count)
	require.True(t, b.SubscriptionActive(id))

	// expired subscriptions stop receiving events even before the sweep
	now = now.Add(2 * time.Minute)
	Publish(b, ping{})
	require.Equal(t, 1, count)
	require.False(t, b.SubscriptionActive(id))
}

func TestSubscriptionWithoutTimeoutIsAlwaysActive(t *testing.T) {
	b, _ := newTestBus()

	id := Subscribe(b, func(*Event, *ping) {})
	require.True(t, b.SubscriptionActive(id))
	require.False(t, b.SubscriptionActive(ID(404)))
}

func TestSetSubscriptionTimeout(t *testing.T) {
	b, _ := newTestBus()

	now := time.Now()
	b.now = func() time.Time { return now }

	id := Subscribe(b, func(*Event, *ping) {})
	b.SetSubscriptionTimeout(id, time.Minute)

	now = now.Add(2 * time.Minute)
	require.False(t, b.SubscriptionActive(id))

	// non-positive timeouts are ignored
	id2 := Subscribe(b, func(*Event, *ping) {})
	b.SetSubscriptionTimeout(id2, -time.Second)
	require.True(t, b.SubscriptionActive(id2))
}

func TestCleanupStaleSubscribersIsTimeGated(t *testing.T) {
	b, _ := newTestBus()
	b.SetCleanupInterval(time.Hour)

	now := time.Now()
	b.now = func() time.Time { return now }

	id := SubscribeWithTimeout(b, func(*Event, *ping) {}, time.Minute)

	now = now.Add(2 * time.Minute)
	b.CleanupStaleSubscribers()

	// first sweep after construction runs; the subscription is gone
	require.False(t, b.SubscriptionActive(id))

	id2 := SubscribeWithTimeout(b, func(*Event, *ping) {}, time.Minute)
	now = now.Add(2 * time.Minute)

	// within the gate interval, the sweep is a no-op and the expired
	// entry is still present (inactive, but not removed)
	b.CleanupStaleSubscribers()
	b.mu.Lock()
	remaining := len(b.byType)
	entries := 0
	for _, subs := range b.byType {
		entries += len(subs)
	}
	b.mu.Unlock()
	require.NotZero(t, remaining)
	require.Equal(t, 1, entries)
	require.False(t, b.SubscriptionActive(id2))

	// past the gate, the sweep removes it
	now = now.Add(2 * time.Hour)
	b.CleanupStaleSubscribers()
	b.mu.Lock()
	entries = 0
	for _, subs := range b.byType {
		entries += len(subs)
	}
	b.mu.Unlock()
	require.Zero(t, entries)
}

func TestClearSubscribers(t *testing.T) {
	b, _ := newTestBus()

	var count int
	Subscribe(b, func(*Event, *ping) { count++ })
	b.SubscribeToAll(func(*Event) { count++ })

	b.ClearSubscribers()
	Publish(b, ping{})
	require.Zero(t, count)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b, _ := newTestBus()

	var mu sync.Mutex
	var count int
	Subscribe(b, func(*Event, *ping) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Publish(b, ping{N: j})
				Subscribe(b, func(*Event, *pong) {})
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 800, count)
}
