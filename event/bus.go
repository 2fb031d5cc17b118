// Package event implements an in-process publish/subscribe bus with typed
// and global subscriber lists.
//
// The bus is safe for concurrent use. Publishing snapshots the subscriber
// lists under the bus lock and then invokes the callbacks with the lock
// released, so a callback may subscribe or unsubscribe without
// deadlocking or corrupting the in-flight dispatch.
package event

import (
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ID identifies a subscription. Ids are unique within one Bus.
type ID uint64

// Event wraps a published payload during dispatch. Callbacks receive the
// same Event value; marking it handled skips every callback that has not
// yet been invoked in the current publish pass, typed and global alike.
// Callbacks that already ran are unaffected.
type Event struct {
	value   any
	typ     reflect.Type
	handled bool
}

// Value returns the published payload as a pointer to its type,
// i.e. Publish[T] produces an Event whose Value is *T.
func (e *Event) Value() any { return e.value }

// TypeName returns the payload's type name.
func (e *Event) TypeName() string { return e.typ.String() }

// Handled reports whether a callback marked the event handled.
func (e *Event) Handled() bool { return e.handled }

// SetHandled marks the event handled for the remainder of the current
// dispatch pass.
func (e *Event) SetHandled() { e.handled = true }

// Callback is invoked for every published event a subscription matches.
type Callback func(*Event)

type subscription struct {
	id ID
	fn Callback
	// expiresAt is the zero time for subscriptions without a timeout.
	expiresAt time.Time
}

func (s *subscription) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}

// DefaultCleanupInterval gates CleanupStaleSubscribers: sweeps closer
// together than this are no-ops.
const DefaultCleanupInterval = 5 * time.Minute

// Bus is a typed and global publish/subscribe dispatcher.
// The zero value is not usable; construct with NewBus.
type Bus struct {
	mu         sync.Mutex
	lastID     ID
	byType     map[reflect.Type][]subscription
	global     []subscription
	lastSweep  time.Time
	sweepEvery time.Duration

	// now is replaceable for expiry tests.
	now func() time.Time

	log *zap.Logger
}

// NewBus returns an empty bus. A nil logger is replaced with a no-op
// logger.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		byType:     map[reflect.Type][]subscription{},
		sweepEvery: DefaultCleanupInterval,
		now:        time.Now,
		log:        log,
	}
}

// SetCleanupInterval overrides the minimum time between expiry sweeps.
func (b *Bus) SetCleanupInterval(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepEvery = d
}

// Subscribe registers fn for events published as type T and returns the
// subscription id.
func Subscribe[T any](b *Bus, fn func(*Event, *T)) ID {
	return subscribeTyped[T](b, fn, 0)
}

// SubscribeWithTimeout registers fn for events published as type T. The
// subscription expires after timeout and is removed by the next sweep.
func SubscribeWithTimeout[T any](b *Bus, fn func(*Event, *T), timeout time.Duration) ID {
	return subscribeTyped[T](b, fn, timeout)
}

func subscribeTyped[T any](b *Bus, fn func(*Event, *T), timeout time.Duration) ID {
	wrapped := func(ev *Event) {
		fn(ev, ev.value.(*T))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSubscription(wrapped, timeout)
	key := reflect.TypeFor[T]()
	b.byType[key] = append(b.byType[key], sub)
	return sub.id
}

// SubscribeToAll registers fn for every published event, regardless of
// type. Global callbacks run after the event type's own callbacks.
func (b *Bus) SubscribeToAll(fn Callback) ID {
	return b.subscribeGlobal(fn, 0)
}

// SubscribeToAllWithTimeout is SubscribeToAll with an expiry.
func (b *Bus) SubscribeToAllWithTimeout(fn Callback, timeout time.Duration) ID {
	return b.subscribeGlobal(fn, timeout)
}

func (b *Bus) subscribeGlobal(fn Callback, timeout time.Duration) ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSubscription(fn, timeout)
	b.global = append(b.global, sub)
	return sub.id
}

// newSubscription must be called with b.mu held.
func (b *Bus) newSubscription(fn Callback, timeout time.Duration) subscription {
	b.lastID++
	sub := subscription{id: b.lastID, fn: fn}
	if timeout > 0 {
		sub.expiresAt = b.now().Add(timeout)
	}
	return sub
}

// Publish dispatches value to all subscribers of type T, then to all
// global subscribers. Both lists are snapshotted before the first
// callback runs: subscriptions added or removed by a callback take effect
// for the next publish, not the current one. A panic inside a callback is
// recovered and logged, and does not prevent later callbacks in the pass
// from running.
func Publish[T any](b *Bus, value T) {
	ev := &Event{value: &value, typ: reflect.TypeFor[T]()}

	b.mu.Lock()
	typed := snapshotActive(b.byType[ev.typ], b.now())
	global := snapshotActive(b.global, b.now())
	b.mu.Unlock()

	for _, sub := range typed {
		if ev.handled {
			break
		}
		b.invoke(sub, ev)
	}
	for _, sub := range global {
		if ev.handled {
			break
		}
		b.invoke(sub, ev)
	}
}

// snapshotActive copies the callbacks of all non-expired subscriptions.
// Expired entries are skipped at dispatch time but only removed by the
// sweep.
func snapshotActive(subs []subscription, now time.Time) []subscription {
	if len(subs) == 0 {
		return nil
	}
	out := make([]subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.expired(now) {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (b *Bus) invoke(sub subscription, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event callback panicked",
				zap.String("event", ev.TypeName()),
				zap.Uint64("subscription", uint64(sub.id)),
				zap.Any("panic", r))
		}
	}()
	sub.fn(ev)
}

// Unsubscribe removes the subscription with the given id. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(id ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.byType {
		for i, sub := range subs {
			if sub.id == id {
				b.byType[key] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, sub := range b.global {
		if sub.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// ClearSubscribers removes every subscription, typed and global.
func (b *Bus) ClearSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType = map[reflect.Type][]subscription{}
	b.global = nil
}

// CleanupStaleSubscribers removes expired subscriptions. The sweep is
// time-gated: calls closer together than the cleanup interval do nothing.
// There is no background timer, callers are expected to invoke this from
// a periodic tick.
func (b *Bus) CleanupStaleSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastSweep) < b.sweepEvery {
		return
	}
	b.lastSweep = now

	removed := 0
	for key, subs := range b.byType {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.expired(now) {
				removed++
				continue
			}
			kept = append(kept, sub)
		}
		b.byType[key] = kept
	}
	kept := b.global[:0]
	for _, sub := range b.global {
		if sub.expired(now) {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	b.global = kept

	if removed > 0 {
		b.log.Debug("swept expired subscriptions", zap.Int("removed", removed))
	}
}

// SetSubscriptionTimeout gives an existing subscription a new expiry of
// now+timeout. Non-positive timeouts are ignored, as are unknown ids.
func (b *Bus) SetSubscriptionTimeout(id ID, timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	expiresAt := b.now().Add(timeout)
	if sub := b.find(id); sub != nil {
		sub.expiresAt = expiresAt
	}
}

// SubscriptionActive reports whether id refers to a subscription that
// exists and has not expired. A subscription without a timeout is always
// active.
func (b *Bus) SubscriptionActive(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.find(id)
	return sub != nil && !sub.expired(b.now())
}

// find must be called with b.mu held.
func (b *Bus) find(id ID) *subscription {
	for _, subs := range b.byType {
		for i := range subs {
			if subs[i].id == id {
				return &subs[i]
			}
		}
	}
	for i := range b.global {
		if b.global[i].id == id {
			return &b.global[i]
		}
	}
	return nil
}
