package ecs

import (
	"slices"

	"github.com/kilnengine/kiln/internal/assert"
)

// System is a unit of per-tick logic operating over the entities that
// match its required/excluded component masks. Concrete systems embed
// BaseSystem, declare their masks in Init (with Require and Exclude) and
// implement Update.
//
// Exactly one instance per system type may be registered with a World.
type System interface {
	// Init is called once, during registration, before the first Update.
	Init(w *World)

	// Update runs the system's per-tick logic. dt is the time step in
	// seconds.
	Update(dt float64)

	base() *baseSystem
}

type baseSystem struct {
	world    *World
	required Mask
	excluded Mask
	matched  []*Entity
}

// BaseSystem carries a system's masks and matched-entity list. Embed it
// in every concrete system type.
type BaseSystem struct {
	baseSystem
}

func (b *BaseSystem) base() *baseSystem { return &b.baseSystem }

// Init is a no-op so that mask-less systems need not implement it.
func (b *BaseSystem) Init(*World) {}

// Entities returns the system's current matched-entity list. The slice
// is owned by the system; callers iterate it, they do not modify it.
// Membership is maintained incrementally on every component mask change
// and at the deferred-destruction flush.
func (b *BaseSystem) Entities() []*Entity {
	return b.matched
}

// World returns the world the system is registered with.
func (b *BaseSystem) World() *World {
	return b.world
}

// Require adds T to the system's required mask. Only valid during Init.
func Require[T any](b *BaseSystem) {
	assert.That(b.world != nil, "Require called on an unregistered system")
	b.required.Set(componentTypeOf[T](b.world.reg).id)
}

// Exclude adds T to the system's excluded mask. Only valid during Init.
func Exclude[T any](b *BaseSystem) {
	assert.That(b.world != nil, "Exclude called on an unregistered system")
	b.excluded.Set(componentTypeOf[T](b.world.reg).id)
}

// matches evaluates the membership predicate for e.
func (b *baseSystem) matches(e *Entity) bool {
	return e.alive &&
		e.mask.ContainsAll(b.required) &&
		!e.mask.Intersects(b.excluded)
}

func (b *baseSystem) add(e *Entity) {
	b.matched = append(b.matched, e)
}

func (b *baseSystem) remove(e *Entity) {
	if i := slices.Index(b.matched, e); i >= 0 {
		b.matched = slices.Delete(b.matched, i, i+1)
	}
}

func (b *baseSystem) contains(e *Entity) bool {
	return slices.Contains(b.matched, e)
}
