// Package ecs implements the entity/component/system core: dense
// per-type component pools backed by the memory arena, entity id reuse,
// mask-based system membership and a two-phase tick with deferred entity
// destruction.
package ecs

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kilnengine/kiln/arena"
	"github.com/kilnengine/kiln/event"
	"github.com/kilnengine/kiln/internal/assert"
)

// World owns entities, their components and the registered systems. A
// World and its pools belong to the goroutine that drives Update; only
// the event bus and the arena are safe to share across goroutines.
type World struct {
	reg *Registry
	mem *arena.Arena
	bus *event.Bus
	log *zap.Logger

	// entities is indexed by EntityID. A slot holds the entity's current
	// record; records of destroyed entities remain until the id is
	// reused, with alive set to false.
	entities []*Entity

	// freeIDs is a FIFO of ids recycled by the destruction flush.
	freeIDs []EntityID

	// pendingDestroy is drained by the flush phase of Update. Entries may
	// repeat; the flush skips ids that are already dead.
	pendingDestroy []EntityID

	pools   [MaxComponentTypes]*componentPool
	systems [MaxSystemTypes]System
	ordered []System
}

// NewWorld creates an empty world using the given type registry and
// memory arena. bus may be nil, in which case no lifecycle events are
// published. A nil logger is replaced with a no-op logger.
func NewWorld(reg *Registry, mem *arena.Arena, bus *event.Bus, log *zap.Logger) *World {
	assert.That(reg != nil, "NewWorld: registry must not be nil")
	assert.That(mem != nil, "NewWorld: arena must not be nil")
	if log == nil {
		log = zap.NewNop()
	}
	return &World{reg: reg, mem: mem, bus: bus, log: log}
}

// CreateEntity returns a new live entity with an empty component mask.
// Ids of previously destroyed entities are reused in FIFO order before
// new ids are allocated. An EntityCreated event is published.
func (w *World) CreateEntity() *Entity {
	var id EntityID
	if len(w.freeIDs) > 0 {
		id = w.freeIDs[0]
		w.freeIDs = w.freeIDs[1:]
	} else {
		id = EntityID(len(w.entities))
		w.entities = append(w.entities, nil)
	}

	e := &Entity{id: id, world: w, alive: true}
	w.entities[id] = e

	if w.bus != nil {
		event.Publish(w.bus, EntityCreated{Entity: id})
	}
	return e
}

// DestroyEntity queues e for destruction. The entity stays alive until
// the flush phase at the end of the current Update; destroying an
// already dead entity is a no-op.
func (w *World) DestroyEntity(e *Entity) {
	if e == nil || !e.alive {
		return
	}
	w.pendingDestroy = append(w.pendingDestroy, e.id)
}

// EntityByID returns the live entity with the given id.
func (w *World) EntityByID(id EntityID) (*Entity, bool) {
	if int(id) >= len(w.entities) {
		return nil, false
	}
	e := w.entities[id]
	if e == nil || !e.alive {
		return nil, false
	}
	return e, true
}

// EntitiesMatching returns every live entity whose mask contains all bits
// of mask. This is the read-only surface for layers outside the core,
// e.g. a renderer collecting drawable entities each frame.
func (w *World) EntitiesMatching(mask Mask) []*Entity {
	var out []*Entity
	for _, e := range w.entities {
		if e != nil && e.alive && e.mask.ContainsAll(mask) {
			out = append(out, e)
		}
	}
	return out
}

// Update runs every system in the configured update order, then flushes
// the deferred entity destructions. dt is passed through to each system.
func (w *World) Update(dt float64) {
	for _, sys := range w.ordered {
		sys.Update(dt)
	}
	w.flushPending()
}

// flushPending destroys all entities queued since the last flush: each is
// removed from every system's matched list, its remaining components are
// removed through the regular swap-remove path so the pool invariants
// hold, an EntityDestroyed event is published and the id goes back on the
// free list.
func (w *World) flushPending() {
	if len(w.pendingDestroy) == 0 {
		return
	}

	flushed := 0
	// index-based drain: a destroyed-event callback may queue further
	// entities, which are then destroyed in the same flush
	for i := 0; i < len(w.pendingDestroy); i++ {
		id := w.pendingDestroy[i]
		e := w.entities[id]
		if e == nil || !e.alive {
			// destroyed twice before the flush
			continue
		}

		e.alive = false
		for _, sys := range w.systems {
			if sys != nil {
				sys.base().remove(e)
			}
		}

		for tid := ComponentTypeID(0); tid < MaxComponentTypes; tid++ {
			if e.mask.Test(tid) {
				w.removeComponentByID(e, w.reg.byID[tid])
			}
		}

		if w.bus != nil {
			event.Publish(w.bus, EntityDestroyed{Entity: id})
		}
		w.freeIDs = append(w.freeIDs, id)
		flushed++
	}

	w.pendingDestroy = w.pendingDestroy[:0]
	w.log.Debug("flushed pending entity destructions", zap.Int("count", flushed))
}

// AddComponent constructs a component of type T on e from value and
// returns a pointer to it. The pointer stays valid until the next add or
// remove of a T instance anywhere in the world, since both can move
// instances within the pool.
//
// Adding a component type the entity already has is a programmer error
// and panics.
func AddComponent[T any](w *World, e *Entity, value T) *T {
	assert.That(e.alive, "AddComponent on dead entity %d", e.id)
	ct := componentTypeOf[T](w.reg)
	assert.That(!e.mask.Test(ct.id), "entity %d already has component %s", e.id, ct.name)

	pool := w.poolFor(ct)
	idx, err := pool.alloc(e.id)
	if err != nil {
		panic(fmt.Sprintf("AddComponent: %v", err))
	}

	ptr := (*T)(pool.at(idx))
	*ptr = value

	e.slots[ct.id] = uint32(idx)
	e.mask.Set(ct.id)
	w.updateEntitySystemList(e)

	if w.bus != nil {
		event.Publish(w.bus, ComponentAdded{Entity: e.id, Type: ct.id, TypeName: ct.name})
	}
	return ptr
}

// GetComponent returns a pointer to e's component of type T. Accessing a
// component the entity does not have is a programmer error and panics.
// The pointer is subject to the same validity rule as for AddComponent.
func GetComponent[T any](w *World, e *Entity) *T {
	ct := componentTypeOf[T](w.reg)
	assert.That(e.mask.Test(ct.id), "entity %d does not have component %s", e.id, ct.name)
	return (*T)(w.pools[ct.id].at(int(e.slots[ct.id])))
}

// HasComponent reports whether e has a component of type T.
func HasComponent[T any](w *World, e *Entity) bool {
	return e.mask.Test(componentTypeOf[T](w.reg).id)
}

// RemoveComponent removes e's component of type T, compacting T's pool.
// Removing a component the entity does not have is a programmer error
// and panics.
func RemoveComponent[T any](w *World, e *Entity) {
	ct := componentTypeOf[T](w.reg)
	assert.That(e.mask.Test(ct.id), "entity %d does not have component %s", e.id, ct.name)
	w.removeComponentByID(e, ct)
}

// removeComponentByID removes e's instance of the given type. If the
// swap-remove moved another instance into the freed slot, the moved
// instance's owner gets its slot index rewritten; skipping that fixup
// would silently corrupt the owner's component data.
func (w *World) removeComponentByID(e *Entity, ct *componentType) {
	pool := w.pools[ct.id]
	idx := int(e.slots[ct.id])

	if w.bus != nil {
		event.Publish(w.bus, ComponentRemoved{Entity: e.id, Type: ct.id})
	}

	moved, ok := pool.remove(idx)
	e.mask.Clear(ct.id)
	if ok {
		w.entities[moved].slots[ct.id] = uint32(idx)
	}

	w.updateEntitySystemList(e)
}

// poolFor returns the pool for ct, creating it on first use. Pools live
// for the world's lifetime.
func (w *World) poolFor(ct *componentType) *componentPool {
	if w.pools[ct.id] == nil {
		pool, err := newComponentPool(ct, w.mem)
		if err != nil {
			panic(fmt.Sprintf("create pool for %s: %v", ct.name, err))
		}
		w.pools[ct.id] = pool
	}
	return w.pools[ct.id]
}

// updateEntitySystemList re-evaluates e's membership in every registered
// system. Called on every mask change; mask changes are rare compared to
// per-tick reads of the matched lists, so the full scan is acceptable.
func (w *World) updateEntitySystemList(e *Entity) {
	for _, sys := range w.systems {
		if sys == nil {
			continue
		}
		b := sys.base()
		should := b.matches(e)
		has := b.contains(e)
		switch {
		case should && !has:
			b.add(e)
		case !should && has:
			b.remove(e)
		}
	}
}

// RegisterSystem registers sys with the world and returns it. The
// system's Init runs before registration completes, which is where it
// declares its required and excluded masks; afterwards every existing
// entity is evaluated against them. Registering a second instance of the
// same system type is a programmer error and panics.
//
// Newly registered systems update after previously registered ones until
// SetSystemUpdateOrder configures an explicit order.
func RegisterSystem[S System](w *World, sys S) S {
	id := systemTypeOf[S](w.reg)
	assert.That(w.systems[id] == nil, "system %T already registered", sys)

	sys.base().world = w
	sys.Init(w)

	w.systems[id] = sys
	w.ordered = append(w.ordered, sys)

	for _, e := range w.entities {
		if e != nil && e.alive {
			b := sys.base()
			if b.matches(e) && !b.contains(e) {
				b.add(e)
			}
		}
	}
	return sys
}

// GetSystem returns the registered system of type S. Requesting an
// unregistered system type is a programmer error and panics.
func GetSystem[S System](w *World) S {
	id := systemTypeOf[S](w.reg)
	sys := w.systems[id]
	assert.That(sys != nil, "system %s not registered", fmt.Sprintf("%T", *new(S)))
	return sys.(S)
}

// SetSystemUpdateOrder replaces the update order with the given list.
// Every listed system must be registered and appear once; systems left
// out of the list no longer update.
func (w *World) SetSystemUpdateOrder(order []System) {
	seen := map[System]bool{}
	for _, sys := range order {
		assert.That(!seen[sys], "system %T listed twice in update order", sys)
		seen[sys] = true

		registered := false
		for _, have := range w.systems {
			if have == sys {
				registered = true
				break
			}
		}
		assert.That(registered, "system %T is not registered", sys)
	}

	w.ordered = append(w.ordered[:0], order...)
}
