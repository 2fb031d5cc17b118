package ecs

import (
	"fmt"
	"unsafe"

	"github.com/kilnengine/kiln/arena"
	"github.com/kilnengine/kiln/internal/assert"
)

// poolInitialCapacity is the slot count a fresh pool's buffer is sized
// for.
const poolInitialCapacity = 64

// componentPool is the densely packed storage for all instances of one
// component type. Slots 0..size-1 are occupied; removal keeps the range
// dense by moving the last slot into the hole (swap-remove). The byte
// buffer comes from the arena's general pool; growth allocates a larger
// buffer, copies, and frees the old one. The general pool must be fixed
// size: a growable arena pool relocates its buffer on overflow, which
// would leave data pointing at the abandoned one.
//
// owners runs parallel to the slots and records which entity each
// instance belongs to. It is what makes the swap-remove fixup possible:
// after a move, owners[slot] names the entity whose slot index must be
// rewritten.
type componentPool struct {
	typ    *componentType
	mem    *arena.Arena
	data   unsafe.Pointer
	owners []EntityID
	size   int
	cap    int
}

func newComponentPool(typ *componentType, mem *arena.Arena) (*componentPool, error) {
	growable, err := mem.Growable(arena.General)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", typ.name, err)
	}
	if growable {
		return nil, fmt.Errorf("pool %s: general arena pool must not be growable, component storage caches its buffer address", typ.name)
	}

	p := &componentPool{
		typ:    typ,
		mem:    mem,
		owners: make([]EntityID, 0, poolInitialCapacity),
	}

	data, err := mem.Alloc(poolInitialCapacity*int(typ.stride), typ.align, arena.General)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", typ.name, err)
	}
	p.data = data
	p.cap = poolInitialCapacity
	return p, nil
}

// at returns the address of slot i. Addresses are only valid until the
// next alloc, which may grow the buffer.
func (p *componentPool) at(i int) unsafe.Pointer {
	assert.That(i >= 0 && i < p.size, "pool %s: slot %d out of range (size %d)", p.typ.name, i, p.size)
	return unsafe.Add(p.data, uintptr(i)*p.typ.stride)
}

// alloc reserves the next free slot for owner and returns its index. The
// caller writes the component value through at(index).
func (p *componentPool) alloc(owner EntityID) (int, error) {
	if p.size == p.cap {
		if err := p.grow(); err != nil {
			return 0, err
		}
	}

	i := p.size
	p.size++
	p.owners = append(p.owners, owner)

	// reused slots keep stale bytes from earlier occupants
	zero(unsafe.Add(p.data, uintptr(i)*p.typ.stride), p.typ.size)
	return i, nil
}

// remove destructs slot i and compacts the pool. If another instance was
// moved into i, remove returns its owning entity and true; the caller
// must rewrite that entity's slot index to i or the pool is corrupted.
func (p *componentPool) remove(i int) (moved EntityID, ok bool) {
	ptr := p.at(i)
	if p.typ.drop != nil {
		p.typ.drop(ptr)
	}

	last := p.size - 1
	if i < last {
		memcpy(ptr, p.at(last), p.typ.size)
		p.owners[i] = p.owners[last]
		moved, ok = p.owners[i], true
	}

	p.size--
	p.owners = p.owners[:p.size]
	return moved, ok
}

// owner returns the entity owning slot i.
func (p *componentPool) owner(i int) EntityID {
	assert.That(i >= 0 && i < p.size, "pool %s: slot %d out of range (size %d)", p.typ.name, i, p.size)
	return p.owners[i]
}

// grow doubles the pool's capacity: a larger buffer is allocated from the
// arena, the occupied prefix is copied over and the old buffer is freed.
// All previously derived slot addresses are invalid afterwards.
func (p *componentPool) grow() error {
	newCap := p.cap * 2
	data, err := p.mem.Alloc(newCap*int(p.typ.stride), p.typ.align, arena.General)
	if err != nil {
		return fmt.Errorf("pool %s: grow to %d slots: %w", p.typ.name, newCap, err)
	}

	memcpy(data, p.data, uintptr(p.size)*p.typ.stride)
	p.mem.Free(p.data, arena.General)

	p.data = data
	p.cap = newCap
	return nil
}

func memcpy(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}

func zero(ptr unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	clear(unsafe.Slice((*byte)(ptr), n))
}
