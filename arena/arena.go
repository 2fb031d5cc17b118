// Package arena provides fixed-capacity, category-partitioned bump
// allocators with allocation tracking.
//
// Each allocation category owns one contiguous buffer. Alloc bumps a
// cursor within that buffer; Free only drops the tracking entry, the
// bytes themselves are reclaimed when the arena is shut down. This
// makes allocation cheap and deterministic at the cost of mid-run
// reuse, which is the intended trade-off for per-tick simulation
// state.
package arena

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/kilnengine/kiln/internal/assert"
)

// Category selects which pool an allocation is served from.
type Category int

const (
	General Category = iota
	Graphics
	Audio
	Physics
	Script
	Temp

	numCategories
)

var categoryNames = [...]string{
	General:  "general",
	Graphics: "graphics",
	Audio:    "audio",
	Physics:  "physics",
	Script:   "script",
	Temp:     "temp",
}

func (c Category) String() string {
	if c < 0 || c >= numCategories {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

var (
	// ErrNotInitialized is returned when the arena is used before Init.
	ErrNotInitialized = errors.New("arena: not initialized")

	// ErrUnknownCategory is returned for a category outside the known set.
	ErrUnknownCategory = errors.New("arena: unknown category")

	// ErrPoolExhausted is returned when a fixed pool cannot satisfy an
	// allocation. The pool's used counter is left unchanged.
	ErrPoolExhausted = errors.New("arena: pool exhausted")
)

// PoolConfig sizes one category pool.
type PoolConfig struct {
	// Capacity is the pool's buffer size in bytes.
	Capacity int
	// Growable pools double their buffer and copy on overflow instead of
	// failing. Growth invalidates raw pointers previously handed out from
	// the pool: callers must not hold addresses across an allocation that
	// may grow the same pool, and should re-derive addresses from their
	// own slot indices instead.
	Growable bool
}

// Config sizes every pool of an arena.
type Config map[Category]PoolConfig

// DefaultConfig mirrors the engine's stock pool layout.
func DefaultConfig() Config {
	return Config{
		General:  {Capacity: 64 << 20},
		Graphics: {Capacity: 32 << 20},
		Audio:    {Capacity: 8 << 20},
		Physics:  {Capacity: 8 << 20},
		Script:   {Capacity: 4 << 20},
		Temp:     {Capacity: 32 << 20},
	}
}

// Stats describes one pool's usage.
type Stats struct {
	Used     int
	Peak     int
	Capacity int
	// Live is the number of tracked allocations that have not been freed.
	Live int
}

type pool struct {
	mu       sync.Mutex
	buf      []byte
	used     int
	peak     int
	growable bool

	// live maps the address of each outstanding allocation to its size,
	// for statistics and leak detection.
	live map[uintptr]int
}

// Arena is a set of category-partitioned bump allocator pools.
//
// A single Arena may be shared between goroutines: each category pool is
// guarded by its own mutex, so allocations to different categories do not
// serialize against each other.
type Arena struct {
	initMu      sync.Mutex
	initialized bool
	initOk      bool
	pools       [numCategories]pool
	log         *zap.Logger
}

// New returns an arena that must be initialized with Init before use.
// A nil logger is replaced with a no-op logger.
func New(log *zap.Logger) *Arena {
	if log == nil {
		log = zap.NewNop()
	}
	return &Arena{log: log}
}

// Init allocates one buffer per category up front. Calling Init a second
// time is a no-op that warns and returns the first call's result.
func (a *Arena) Init(cfg Config) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	if a.initialized {
		a.log.Warn("arena already initialized")
		if a.initOk {
			return nil
		}
		return ErrNotInitialized
	}
	a.initialized = true

	for cat, pc := range cfg {
		if cat < 0 || cat >= numCategories {
			return fmt.Errorf("%w: %d", ErrUnknownCategory, int(cat))
		}
		if pc.Capacity <= 0 {
			return fmt.Errorf("arena: pool %s: capacity must be positive, got %d", cat, pc.Capacity)
		}
		p := &a.pools[cat]
		p.buf = make([]byte, pc.Capacity)
		p.growable = pc.Growable
		p.live = make(map[uintptr]int)
	}

	// Categories absent from the config stay unusable; allocations from
	// them fail with ErrPoolExhausted against a zero capacity.
	for i := range a.pools {
		if a.pools[i].live == nil {
			a.pools[i].live = make(map[uintptr]int)
		}
	}

	a.initOk = true
	a.log.Info("arena initialized", zap.Int("pools", len(cfg)))
	return nil
}

// Alloc carves size bytes at the requested alignment out of the category's
// pool. align must be a power of two. On exhaustion of a fixed pool the
// used counter is unchanged and ErrPoolExhausted is returned; a growable
// pool doubles its buffer and copies instead, invalidating previously
// returned addresses for that pool (see PoolConfig.Growable).
func (a *Arena) Alloc(size int, align uintptr, cat Category) (unsafe.Pointer, error) {
	assert.PowerOfTwo(align)
	assert.That(size > 0, "arena: allocation size must be positive, got %d", size)

	p, err := a.pool(cat)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	offset, ok := p.reserve(size, align)
	for !ok {
		if !p.growable {
			a.log.Error("arena pool exhausted",
				zap.Stringer("category", cat),
				zap.Int("size", size),
				zap.Int("used", p.used),
				zap.Int("capacity", len(p.buf)))
			return nil, fmt.Errorf("%w: %s: %d bytes requested, %d of %d used",
				ErrPoolExhausted, cat, size, p.used, len(p.buf))
		}
		p.grow(size)
		offset, ok = p.reserve(size, align)
	}

	ptr := unsafe.Pointer(&p.buf[offset])
	p.used = offset + size
	if p.used > p.peak {
		p.peak = p.used
	}
	p.live[uintptr(ptr)] = size
	return ptr, nil
}

// reserve computes the aligned offset for a new allocation, or reports
// that the buffer cannot hold it. Alignment is taken against the actual
// address, not the offset, since the buffer base is only guaranteed to be
// word aligned.
func (p *pool) reserve(size int, align uintptr) (int, bool) {
	if len(p.buf) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.buf)))
	addr := (base + uintptr(p.used) + align - 1) &^ (align - 1)
	offset := int(addr - base)
	if offset+size > len(p.buf) {
		return 0, false
	}
	return offset, true
}

// grow doubles the buffer until it can hold at least size more bytes,
// copying the used prefix. Tracking entries are rekeyed to the new
// addresses so statistics survive growth.
func (p *pool) grow(size int) {
	newCap := len(p.buf) * 2
	if newCap == 0 {
		newCap = 1024
	}
	for newCap < p.used+size {
		newCap *= 2
	}

	oldBase := uintptr(unsafe.Pointer(unsafe.SliceData(p.buf)))
	newBuf := make([]byte, newCap)
	copy(newBuf, p.buf[:p.used])
	newBase := uintptr(unsafe.Pointer(unsafe.SliceData(newBuf)))

	rekeyed := make(map[uintptr]int, len(p.live))
	for addr, sz := range p.live {
		rekeyed[addr-oldBase+newBase] = sz
	}
	p.live = rekeyed
	p.buf = newBuf
}

// Free drops the tracking entry for ptr. The underlying bytes are not
// reclaimed until the arena is shut down. Freeing a pointer that is not
// tracked in the category is a logged warning, not an error.
func (a *Arena) Free(ptr unsafe.Pointer, cat Category) {
	if ptr == nil {
		return
	}
	p, err := a.pool(cat)
	if err != nil {
		a.log.Warn("free on invalid arena", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[uintptr(ptr)]; !ok {
		a.log.Warn("free of untracked pointer",
			zap.Stringer("category", cat),
			zap.Uintptr("ptr", uintptr(ptr)))
		return
	}
	delete(p.live, uintptr(ptr))
}

// Stats reports usage for one category.
func (a *Arena) Stats(cat Category) (Stats, error) {
	p, err := a.pool(cat)
	if err != nil {
		return Stats{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Used:     p.used,
		Peak:     p.peak,
		Capacity: len(p.buf),
		Live:     len(p.live),
	}, nil
}

// Growable reports whether the category's pool grows on overflow.
func (a *Arena) Growable(cat Category) (bool, error) {
	p, err := a.pool(cat)
	if err != nil {
		return false, err
	}
	return p.growable, nil
}

// LogStats writes the usage of every pool to the arena's logger.
func (a *Arena) LogStats() {
	for cat := General; cat < numCategories; cat++ {
		p, err := a.pool(cat)
		if err != nil {
			return
		}
		p.mu.Lock()
		a.logPoolStats(cat, p)
		p.mu.Unlock()
	}
}

// logPoolStats writes one pool's usage. Callers hold p.mu.
func (a *Arena) logPoolStats(cat Category, p *pool) {
	a.log.Info("arena pool stats",
		zap.Stringer("category", cat),
		zap.Int("used", p.used),
		zap.Int("peak", p.peak),
		zap.Int("capacity", len(p.buf)),
		zap.Int("live", len(p.live)))
}

// Shutdown logs final statistics, reports any allocations that were never
// freed, and releases the buffers. The arena can be initialized again
// afterwards.
func (a *Arena) Shutdown() {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	if !a.initialized {
		return
	}

	// Stats and pool lookups take initMu, which is already held here, so
	// the final report reads each pool directly while it is torn down.
	for cat := General; cat < numCategories; cat++ {
		p := &a.pools[cat]
		p.mu.Lock()
		a.logPoolStats(cat, p)
		if n := len(p.live); n > 0 {
			a.log.Warn("arena pool leaked allocations",
				zap.Stringer("category", cat),
				zap.Int("count", n))
		}
		p.buf = nil
		p.used = 0
		p.peak = 0
		p.live = nil
		p.mu.Unlock()
	}
	a.initialized = false
	a.initOk = false
}

func (a *Arena) pool(cat Category) (*pool, error) {
	if cat < 0 || cat >= numCategories {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCategory, int(cat))
	}
	a.initMu.Lock()
	ok := a.initialized && a.initOk
	a.initMu.Unlock()
	if !ok {
		return nil, ErrNotInitialized
	}
	return &a.pools[cat], nil
}
