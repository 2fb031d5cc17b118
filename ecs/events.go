package ecs

// Lifecycle events published by the World on its event bus. Collaborators
// outside the core (renderers, input layers) subscribe to these to track
// entity churn without a direct dependency on the World.

// EntityCreated is published by World.CreateEntity.
type EntityCreated struct {
	Entity EntityID
}

// EntityDestroyed is published during the deferred-destruction flush,
// after the entity's components have been removed.
type EntityDestroyed struct {
	Entity EntityID
}

// ComponentAdded is published by AddComponent.
type ComponentAdded struct {
	Entity   EntityID
	Type     ComponentTypeID
	TypeName string
}

// ComponentRemoved is published before a component instance is removed
// from its pool.
type ComponentRemoved struct {
	Entity EntityID
	Type   ComponentTypeID
}
