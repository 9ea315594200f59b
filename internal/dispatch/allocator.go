package dispatch

import (
	"runtime"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/born-ml/core/internal/tensor"
)

// classAlign is the size-class granularity of the allocator.
const classAlign = 256

// AllocatorConfig configures an Allocator.
type AllocatorConfig struct {
	Name        string // label used in logs
	Capacity    uint64 // byte limit for in-use plus cached memory, 0 for unlimited
	Caching     bool   // keep freed blocks for reuse
	MaxPerClass int    // cached blocks kept per size class
}

// Allocator hands out device memory in 256-byte size classes, optionally
// caching freed blocks per class for reuse.
//
// When an allocation would exceed Capacity it reclaims once: the block cache is
// dropped and the garbage collector runs so finalizers of unreachable tensors
// return their storage. If the request still does not fit the allocator
// returns tensor.ErrOutOfMemory. The error is recoverable.
type Allocator struct {
	cfg   AllocatorConfig
	mu    sync.Mutex
	pools map[int][][]byte
	stats tensor.AllocStats
}

// NewAllocator creates an allocator.
func NewAllocator(cfg AllocatorConfig) *Allocator {
	if cfg.MaxPerClass <= 0 {
		cfg.MaxPerClass = 64
	}
	a := &Allocator{cfg: cfg, pools: make(map[int][][]byte)}
	a.stats.Capacity = cfg.Capacity
	return a
}

func sizeClass(n int) int {
	if n <= 0 {
		return classAlign
	}
	return (n + classAlign - 1) / classAlign * classAlign
}

// Allocate returns a zeroed buffer of at least n bytes.
func (a *Allocator) Allocate(n int) ([]byte, error) {
	class := sizeClass(n)

	a.mu.Lock()
	if b, ok := a.takeCachedLocked(class); ok {
		a.grantLocked(class)
		a.mu.Unlock()
		clear(b)
		return b[:n], nil
	}
	a.stats.Misses++
	if a.fitsLocked(class) {
		a.grantLocked(class)
		a.mu.Unlock()
		return tensor.HeapBytes(class)[:n], nil
	}
	a.mu.Unlock()

	a.reclaim(class)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.fitsLocked(class) {
		return nil, errors.Wrapf(tensor.ErrOutOfMemory, "%s: cannot allocate %s (in use %s of %s)",
			a.cfg.Name, humanize.IBytes(uint64(class)), humanize.IBytes(a.stats.InUse), humanize.IBytes(a.cfg.Capacity))
	}
	a.grantLocked(class)
	return tensor.HeapBytes(class)[:n], nil
}

func (a *Allocator) takeCachedLocked(class int) ([]byte, bool) {
	pool := a.pools[class]
	if len(pool) == 0 {
		return nil, false
	}
	b := pool[len(pool)-1]
	pool[len(pool)-1] = nil
	a.pools[class] = pool[:len(pool)-1]
	a.stats.Cached -= uint64(class)
	a.stats.Hits++
	return b, true
}

func (a *Allocator) fitsLocked(class int) bool {
	return a.cfg.Capacity == 0 || a.stats.InUse+a.stats.Cached+uint64(class) <= a.cfg.Capacity
}

func (a *Allocator) grantLocked(class int) {
	a.stats.Outstanding++
	a.stats.InUse += uint64(class)
	a.stats.Peak = max(a.stats.Peak, a.stats.InUse)
}

// reclaim is the single retry on exhaustion.
func (a *Allocator) reclaim(want int) {
	dropped := a.Reclaim()
	runtime.GC()
	runtime.Gosched()
	a.mu.Lock()
	a.stats.Reclaims++
	inUse := a.stats.InUse
	a.mu.Unlock()
	log.Warnf("%s: reclaimed %s of cached memory for a %s request (in use %s)",
		a.cfg.Name, humanize.IBytes(dropped), humanize.IBytes(uint64(want)), humanize.IBytes(inUse))
}

// Free returns b to the allocator. The block is cached when caching is
// enabled and its class has room.
func (a *Allocator) Free(b []byte) {
	class := cap(b)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Outstanding--
	a.stats.InUse -= uint64(class)
	if !a.cfg.Caching || len(a.pools[class]) >= a.cfg.MaxPerClass {
		return
	}
	a.pools[class] = append(a.pools[class], b[:cap(b)])
	a.stats.Cached += uint64(class)
}

// Reclaim drops every cached block and returns the number of bytes released.
func (a *Allocator) Reclaim() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	dropped := a.stats.Cached
	a.pools = make(map[int][][]byte)
	a.stats.Cached = 0
	return dropped
}

// Stats returns a snapshot of the counters.
func (a *Allocator) Stats() tensor.AllocStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
