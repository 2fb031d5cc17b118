package arena

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestArena(t *testing.T, cfg Config) (*Arena, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	a := New(zap.New(core))
	require.NoError(t, a.Init(cfg))
	return a, logs
}

func TestInitIsIdempotent(t *testing.T) {
	a, logs := newTestArena(t, Config{General: {Capacity: 1024}})

	require.NoError(t, a.Init(Config{General: {Capacity: 4096}}))
	require.Equal(t, 1, logs.FilterMessage("arena already initialized").Len())

	// the second config must not have replaced the first
	stats, err := a.Stats(General)
	require.NoError(t, err)
	require.Equal(t, 1024, stats.Capacity)
}

func TestAllocBeforeInitFails(t *testing.T) {
	a := New(nil)
	_, err := a.Alloc(16, 8, General)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestAllocUnknownCategory(t *testing.T) {
	a, _ := newTestArena(t, Config{General: {Capacity: 1024}})

	_, err := a.Alloc(16, 8, Category(42))
	require.ErrorIs(t, err, ErrUnknownCategory)
}

func TestAllocAlignment(t *testing.T) {
	a, _ := newTestArena(t, Config{General: {Capacity: 4096}})

	for _, align := range []uintptr{1, 8, 16, 64, 256} {
		ptr, err := a.Alloc(3, align, General)
		require.NoError(t, err)
		require.Zero(t, uintptr(ptr)%align, "alignment %d", align)
	}
}

func TestAllocRejectsBadAlignment(t *testing.T) {
	a, _ := newTestArena(t, Config{General: {Capacity: 1024}})

	require.Panics(t, func() {
		_, _ = a.Alloc(16, 3, General)
	})
}

func TestAllocRangesDoNotOverlap(t *testing.T) {
	a, _ := newTestArena(t, Config{General: {Capacity: 1 << 16}})

	type span struct{ lo, hi uintptr }
	var spans []span
	for i := 0; i < 64; i++ {
		size := 16 + i*3
		ptr, err := a.Alloc(size, 8, General)
		require.NoError(t, err)

		lo := uintptr(ptr)
		hi := lo + uintptr(size)
		for _, s := range spans {
			require.False(t, lo < s.hi && s.lo < hi, "allocation %d overlaps an earlier one", i)
		}
		spans = append(spans, span{lo, hi})
	}
}

func TestExhaustionLeavesUsedUnchanged(t *testing.T) {
	a, _ := newTestArena(t, Config{General: {Capacity: 128}})

	_, err := a.Alloc(100, 1, General)
	require.NoError(t, err)

	before, err := a.Stats(General)
	require.NoError(t, err)

	_, err = a.Alloc(64, 1, General)
	require.ErrorIs(t, err, ErrPoolExhausted)

	after, err := a.Stats(General)
	require.NoError(t, err)
	require.Equal(t, before.Used, after.Used)
	require.Equal(t, before.Live, after.Live)

	// the pool still serves requests that fit
	_, err = a.Alloc(8, 1, General)
	require.NoError(t, err)
}

func TestCategoriesAreIsolated(t *testing.T) {
	a, _ := newTestArena(t, Config{
		General: {Capacity: 64},
		Audio:   {Capacity: 1024},
	})

	_, err := a.Alloc(64, 1, General)
	require.NoError(t, err)

	_, err = a.Alloc(1, 1, General)
	require.ErrorIs(t, err, ErrPoolExhausted)

	// exhaustion of general must not affect audio
	_, err = a.Alloc(512, 1, Audio)
	require.NoError(t, err)
}

func TestFreeTracksLiveCount(t *testing.T) {
	a, logs := newTestArena(t, Config{General: {Capacity: 1024}})

	p1, err := a.Alloc(64, 8, General)
	require.NoError(t, err)
	p2, err := a.Alloc(64, 8, General)
	require.NoError(t, err)

	stats, _ := a.Stats(General)
	require.Equal(t, 2, stats.Live)

	a.Free(p1, General)
	stats, _ = a.Stats(General)
	require.Equal(t, 1, stats.Live)

	// freeing does not reclaim bytes
	require.Equal(t, 128, stats.Used)

	a.Free(p2, General)
	stats, _ = a.Stats(General)
	require.Zero(t, stats.Live)
	require.Zero(t, logs.FilterMessage("free of untracked pointer").Len())
}

func TestFreeNilIsIgnored(t *testing.T) {
	a, logs := newTestArena(t, Config{General: {Capacity: 1024}})

	a.Free(nil, General)
	a.Free(nil, Category(42))
	require.Zero(t, logs.FilterMessage("free of untracked pointer").Len())
	require.Zero(t, logs.FilterMessage("free on invalid arena").Len())
}

func TestFreeUntrackedPointerWarns(t *testing.T) {
	a, logs := newTestArena(t, Config{General: {Capacity: 1024}})

	var local int
	a.Free(unsafe.Pointer(&local), General)
	require.Equal(t, 1, logs.FilterMessage("free of untracked pointer").Len())

	// double free reports through the same path
	ptr, err := a.Alloc(16, 8, General)
	require.NoError(t, err)
	a.Free(ptr, General)
	a.Free(ptr, General)
	require.Equal(t, 2, logs.FilterMessage("free of untracked pointer").Len())
}

func TestPeakTracksHighWater(t *testing.T) {
	a, _ := newTestArena(t, Config{General: {Capacity: 1024}})

	_, err := a.Alloc(256, 1, General)
	require.NoError(t, err)
	_, err = a.Alloc(256, 1, General)
	require.NoError(t, err)

	stats, _ := a.Stats(General)
	require.Equal(t, 512, stats.Used)
	require.Equal(t, 512, stats.Peak)
}

func TestGrowablePoolGrowsAndCopies(t *testing.T) {
	a, _ := newTestArena(t, Config{Temp: {Capacity: 64, Growable: true}})

	ptr, err := a.Alloc(32, 8, Temp)
	require.NoError(t, err)
	for i := 0; i < 32; i++ {
		*(*byte)(unsafe.Add(ptr, i)) = byte(i)
	}

	// exceed the original capacity; the pool doubles instead of failing
	big, err := a.Alloc(128, 8, Temp)
	require.NoError(t, err)
	require.NotNil(t, big)

	stats, err := a.Stats(Temp)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.Capacity, 128)
	require.Equal(t, 2, stats.Live)
}

func TestFixedPoolDoesNotGrow(t *testing.T) {
	a, _ := newTestArena(t, Config{Temp: {Capacity: 64}})

	_, err := a.Alloc(128, 8, Temp)
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestShutdownReportsLeaks(t *testing.T) {
	a, logs := newTestArena(t, Config{General: {Capacity: 1024}})

	_, err := a.Alloc(64, 8, General)
	require.NoError(t, err)

	a.Shutdown()
	require.Equal(t, 1, logs.FilterMessage("arena pool leaked allocations").Len())
	require.Equal(t, int(numCategories), logs.FilterMessage("arena pool stats").Len())

	_, err = a.Alloc(16, 8, General)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestShutdownReturnsWithOutstandingAllocations(t *testing.T) {
	a, _ := newTestArena(t, Config{General: {Capacity: 1024}})

	_, err := a.Alloc(64, 8, General)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		a.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestConcurrentAllocAcrossCategories(t *testing.T) {
	a, _ := newTestArena(t, Config{
		General: {Capacity: 1 << 20},
		Physics: {Capacity: 1 << 20},
		Temp:    {Capacity: 1 << 20},
	})

	var wg sync.WaitGroup
	for _, cat := range []Category{General, Physics, Temp} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				_, err := a.Alloc(64, 8, cat)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for _, cat := range []Category{General, Physics, Temp} {
		stats, err := a.Stats(cat)
		require.NoError(t, err)
		require.Equal(t, 1000, stats.Live)
	}
}
