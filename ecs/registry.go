package ecs

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/kilnengine/kiln/internal/assert"
)

// MaxComponentTypes bounds the number of component types a Registry can
// hold. Component type ids double as bit positions in a Mask.
const MaxComponentTypes = 64

// MaxSystemTypes bounds the number of system types a Registry can hold.
const MaxSystemTypes = 32

// ComponentTypeID identifies a registered component type. Ids are
// assigned monotonically in first-use order and are stable for the
// lifetime of the Registry.
type ComponentTypeID uint32

// SystemTypeID identifies a registered system type.
type SystemTypeID uint32

// Disposer components get their Dispose method called by the pool when
// the instance is removed or its entity is destroyed.
type Disposer interface {
	Dispose()
}

type componentType struct {
	id     ComponentTypeID
	name   string
	size   uintptr
	align  uintptr
	stride uintptr
	// drop is non-nil for component types whose pointer implements
	// Disposer. Invoked on removal, before the slot is reused.
	drop func(unsafe.Pointer)
}

// Registry assigns stable integer ids to component and system types.
// Construct one at startup and share it between every World that should
// agree on the type→id binding; ids are assigned on first use and never
// change afterwards.
type Registry struct {
	mu         sync.Mutex
	components map[reflect.Type]*componentType
	byID       [MaxComponentTypes]*componentType
	systems    map[reflect.Type]SystemTypeID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		components: map[reflect.Type]*componentType{},
		systems:    map[reflect.Type]SystemTypeID{},
	}
}

// componentTypeOf returns T's type descriptor, registering it on first
// use. T must be a struct free of Go pointers: component instances live
// in arena memory that the garbage collector does not scan, so a pointer
// stored there would not keep its target alive.
func componentTypeOf[T any](r *Registry) *componentType {
	t := reflect.TypeFor[T]()

	r.mu.Lock()
	defer r.mu.Unlock()

	if ct, ok := r.components[t]; ok {
		return ct
	}

	next := len(r.components)
	assert.That(next < MaxComponentTypes, "too many component types registered (max %d)", MaxComponentTypes)
	assert.That(t.Kind() == reflect.Struct, "component type %s must be a struct", t)
	assert.That(!containsPointers(t), "component type %s must not contain pointers, strings, maps, slices or other reference types", t)

	ct := &componentType{
		id:     ComponentTypeID(next),
		name:   t.String(),
		size:   t.Size(),
		align:  uintptr(t.Align()),
		stride: t.Size(),
	}

	// zero-size tag components still need distinct slots
	if ct.stride == 0 {
		ct.stride = 1
	}

	if reflect.PointerTo(t).Implements(reflect.TypeFor[Disposer]()) {
		ct.drop = func(p unsafe.Pointer) {
			any((*T)(p)).(Disposer).Dispose()
		}
	}

	r.components[t] = ct
	r.byID[ct.id] = ct
	return ct
}

// systemTypeOf returns S's system type id, registering it on first use.
func systemTypeOf[S any](r *Registry) SystemTypeID {
	t := reflect.TypeFor[S]()

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.systems[t]; ok {
		return id
	}

	next := len(r.systems)
	assert.That(next < MaxSystemTypes, "too many system types registered (max %d)", MaxSystemTypes)

	id := SystemTypeID(next)
	r.systems[t] = id
	return id
}

// containsPointers walks t and reports whether any reachable field is a
// reference type the collector would need to scan.
func containsPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return containsPointers(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if containsPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
