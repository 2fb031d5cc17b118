package ecs

// Mask is a component-presence bitset. Bit positions are component type
// ids assigned by the Registry.
type Mask uint64

// Set sets the bit for the given component type.
func (m *Mask) Set(id ComponentTypeID) {
	*m |= 1 << id
}

// Clear clears the bit for the given component type.
func (m *Mask) Clear(id ComponentTypeID) {
	*m &^= 1 << id
}

// Test reports whether the bit for the given component type is set.
func (m Mask) Test(id ComponentTypeID) bool {
	return m&(1<<id) != 0
}

// ContainsAll reports whether every bit of other is also set in m.
func (m Mask) ContainsAll(other Mask) bool {
	return m&other == other
}

// Intersects reports whether m and other share at least one bit.
func (m Mask) Intersects(other Mask) bool {
	return m&other != 0
}

// With returns the union of m and other.
func (m Mask) With(other Mask) Mask {
	return m | other
}

// MaskFor returns a mask with only T's bit set, registering T if needed.
func MaskFor[T any](w *World) Mask {
	return 1 << componentTypeOf[T](w.reg).id
}
