package ecs

// EntityID is a dense entity identifier. Ids of destroyed entities are
// reused for entities created later.
type EntityID uint32

// Entity is a lightweight identifier with a liveness flag, a
// component-presence mask and the per-type slot indices into the
// component pools. Entities are owned by the World that created them and
// must only be mutated through it.
type Entity struct {
	id    EntityID
	world *World
	alive bool
	mask  Mask

	// slots maps component type id to the instance's index within that
	// type's pool. Only entries whose mask bit is set are meaningful.
	slots [MaxComponentTypes]uint32
}

// ID returns the entity's identifier.
func (e *Entity) ID() EntityID { return e.id }

// Alive reports whether the entity still exists. It turns false when the
// deferred destruction of the entity is flushed, not when DestroyEntity
// is called.
func (e *Entity) Alive() bool { return e.alive }

// Mask returns the entity's component-presence mask.
func (e *Entity) Mask() Mask { return e.mask }

// Destroy queues the entity for deferred destruction, like
// World.DestroyEntity.
func (e *Entity) Destroy() { e.world.DestroyEntity(e) }
