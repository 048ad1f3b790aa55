package felis

import "sync"

const cacheLineSize = 64

// largeBumpSize is the default per-thread large bump region, sized to
// hold a generous batch of epoch-scoped allocations without a mid-epoch
// top-up. Production deployments size this from workload parameters; this
// is the default absent explicit configuration.
const largeBumpSize = 256 << 20 // 256MiB

// miniBumpSize is four cache lines, refilled from the large bump whenever
// exhausted, so sub-cache-line allocations never cause false sharing with
// neighbours on the same large-bump slab.
const miniBumpSize = 4 * cacheLineSize

// Arena is a per-core, per-epoch bump allocator pair: a large NUMA-pinned
// backing region and a small mini-bump that serves sub-cache-line
// allocations without touching the large region's cursor on every call.
// There is no per-allocation free; Reset rewinds both tiers at once, and
// every pointer returned before a Reset becomes invalid after it.
type Arena struct {
	mu sync.Mutex

	node int

	large    []byte
	largeOff int

	mini    []byte
	miniOff int

	region *mappedRegion
}

// NewArena allocates and binds a large-bump backing region to the given
// NUMA node. Allocation failure here is fatal to the caller: there is no
// degraded mode for an OLTP core that cannot secure its working memory.
func NewArena(node int) (*Arena, error) {
	region, err := mapRegion(largeBumpSize, node)
	if err != nil {
		return nil, &ResourceExhaustion{Resource: "arena", Message: "failed to map NUMA-bound region", Cause: err}
	}
	return &Arena{
		node:  node,
		large: region.data,
		mini:  make([]byte, 0, miniBumpSize),
		region: region,
	}, nil
}

// Alloc returns n bytes of scratch memory valid until the next Reset.
// Memory is not cleared: bytes handed out after a Reset still hold
// whatever was written there before it. Allocations below cacheLineSize
// are served from the mini bump,
// refilling it from the large bump on exhaustion; larger allocations are
// rounded up to a cache-line multiple and served directly from the large
// bump.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if n < cacheLineSize {
		if a.miniOff+n > len(a.mini) {
			if err := a.refillMiniLocked(); err != nil {
				return nil, err
			}
		}
		b := a.mini[a.miniOff : a.miniOff+n]
		a.miniOff += n
		return b, nil
	}

	n = roundUpCacheLine(n)
	if a.largeOff+n > len(a.large) {
		return nil, &ResourceExhaustion{Resource: "arena", Message: "large bump exhausted for this epoch"}
	}
	b := a.large[a.largeOff : a.largeOff+n]
	a.largeOff += n
	return b, nil
}

func (a *Arena) refillMiniLocked() error {
	if a.largeOff+miniBumpSize > len(a.large) {
		return &ResourceExhaustion{Resource: "arena", Message: "large bump exhausted refilling mini bump"}
	}
	a.mini = a.large[a.largeOff : a.largeOff+miniBumpSize]
	a.largeOff += miniBumpSize
	a.miniOff = 0
	return nil
}

// Reset bulk-rewinds both tiers. Every pointer into the arena returned
// before Reset is invalid once it returns; callers must not retain them
// across a phase or epoch boundary.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.largeOff = 0
	a.mini = a.mini[:0]
	a.miniOff = 0
}

// Close releases the backing region entirely. Called only at worker
// teardown, never at an epoch boundary (Reset is the epoch-boundary
// operation).
func (a *Arena) Close() error {
	return a.region.release()
}

func roundUpCacheLine(n int) int {
	return (n + cacheLineSize - 1) &^ (cacheLineSize - 1)
}
