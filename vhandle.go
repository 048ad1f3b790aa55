package felis

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Sentinel payload values. A real payload is any other uint64 (typically a
// pointer to arena-owned storage, encoded by the caller).
const (
	// Pending marks a version slot whose value has not yet been produced.
	Pending uint64 = ^uint64(0)
	// Ignore marks a version slot a priority transaction rolled back.
	// ReadWithVersion returns it to the caller as-is; the caller treats it
	// as "skipped".
	Ignore uint64 = ^uint64(0) - 1
)

// VHandle is a multi-version record: a sorted-by-SID array of versions
// paired with a parallel array of payloads. Structural mutation (append,
// GC) is serialized by mu; a published payload is read and written with a
// single atomic operation (via the sync/atomic package-level functions, so
// the slot slice itself stays a plain []uint64 rather than a slice of
// non-copyable atomic values) so that a reader never observes a torn
// value.
type VHandle struct {
	mu sync.Mutex

	versions []SID
	objects  []uint64
	readBits []uint32

	lastGCEpoch uint32
	allocNode   int

	waiters *Spinner
}

// NewVHandle constructs an empty handle bound to a NUMA node (used to
// steer its backing arena allocations) and the spinner used to block
// readers on pending versions.
func NewVHandle(allocNode int, waiters *Spinner) *VHandle {
	return &VHandle{allocNode: allocNode, waiters: waiters}
}

// Size returns the number of live versions.
func (h *VHandle) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.versions)
}

// AppendNewVersion inserts sid into the version array, preserving sort
// order, and leaves its payload as Pending. A duplicate SID collapses:
// the call is a no-op (idempotent append). Appends are amortized O(1)
// since production SIDs normally arrive near-ascending: the new SID is
// placed at the tail and shifted backward only as far as ordering
// requires.
func (h *VHandle) AppendNewVersion(sid SID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.versions)
	if n > 0 && h.versions[n-1] == sid {
		return nil // idempotent: duplicate at tail collapses
	}
	if n > 0 && sid < h.versions[n-1] {
		if _, found := h.search(sid); found {
			return nil // duplicate further back collapses too
		}
	}

	h.versions = append(h.versions, sid)
	h.objects = append(h.objects, Pending)
	if h.readBits != nil {
		h.readBits = append(h.readBits, 0)
	}

	// backward shift to restore order; typically a no-op or a single swap
	i := n
	for i > 0 && h.versions[i-1] > h.versions[i] {
		h.versions[i-1], h.versions[i] = h.versions[i], h.versions[i-1]
		h.objects[i-1], h.objects[i] = h.objects[i], h.objects[i-1]
		if h.readBits != nil {
			h.readBits[i-1], h.readBits[i] = h.readBits[i], h.readBits[i-1]
		}
		i--
	}
	return nil
}

// WriteWithVersion publishes obj for sid, which must already be present
// (from a prior AppendNewVersion). idx is held fixed by h.mu across the
// store: AppendNewVersion's backward shift (see above) can move an
// existing slot to a higher index when a smaller SID is appended
// concurrently, so looking up idx and publishing to it must be one
// atomic section, not two. The store remains a single atomic operation
// so a concurrent reader never observes a torn value; it also wakes any
// spinner waiting on this slot.
func (h *VHandle) WriteWithVersion(sid SID, obj uint64) error {
	h.mu.Lock()
	idx, found := h.search(sid)
	if !found {
		h.mu.Unlock()
		return &ContractViolation{Op: "WriteWithVersion", Message: "divergent outcome: sid not present in handle"}
	}
	atomic.StoreUint64(&h.objects[idx], obj)
	h.mu.Unlock()
	if h.waiters != nil {
		h.waiters.Notify(h, idx)
	}
	return nil
}

// ReadWithVersion returns the payload visible as of sid: it locates the
// largest version strictly less than sid and, if that slot is Pending,
// blocks via the spinner until a writer publishes it; a handle built
// without a spinner does not block and returns (Pending, true). A 0,
// false result means no earlier version exists (caller should treat this
// as "no prior value"). An Ignore payload is returned as-is.
func (h *VHandle) ReadWithVersion(sid SID, readBit bool) (obj uint64, ok bool) {
	h.mu.Lock()
	idx := sort.Search(len(h.versions), func(i int) bool { return h.versions[i] >= sid }) - 1
	if idx < 0 {
		h.mu.Unlock()
		return 0, false
	}
	if readBit && h.readBits != nil {
		atomic.StoreUint32(&h.readBits[idx], 1)
	}
	h.mu.Unlock()

	for {
		v := atomic.LoadUint64(&h.objects[idx])
		if v != Pending {
			return v, true
		}
		if h.waiters == nil {
			return Pending, true
		}
		h.waiters.WaitForData(h, idx, h.versions[idx])
	}
}

// CheckReadBit reports whether the version slot immediately preceding sid
// has been marked as read, used by the priority protocol to detect a
// read-after-write hazard before committing an append.
func (h *VHandle) CheckReadBit(sid SID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readBits == nil {
		return false
	}
	idx := sort.Search(len(h.versions), func(i int) bool { return h.versions[i] >= sid }) - 1
	if idx < 0 {
		return false
	}
	return atomic.LoadUint32(&h.readBits[idx]) != 0
}

// EnableReadBits lazily allocates the read-bit array to match the current
// version count; only handles on which it is called pay for it. Nothing
// in this package calls it on WithReadBit(true): on a handle where it was
// never called, reads set no bit and CheckReadBit always reports false.
func (h *VHandle) EnableReadBits() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readBits == nil {
		h.readBits = make([]uint32, len(h.versions))
	}
}

// MarkIgnore writes the Ignore sentinel at sid's slot, used by priority
// rollback: future readers resolving against this slot get Ignore back
// and treat it as skipped. sid must already be present.
func (h *VHandle) MarkIgnore(sid SID) error {
	h.mu.Lock()
	idx, found := h.search(sid)
	if !found {
		h.mu.Unlock()
		return &ContractViolation{Op: "MarkIgnore", Message: "sid not present in handle"}
	}
	atomic.StoreUint64(&h.objects[idx], Ignore)
	h.mu.Unlock()
	if h.waiters != nil {
		h.waiters.Notify(h, idx)
	}
	return nil
}

// GarbageCollect preserves only the single latest version of the handle,
// reclaiming all earlier payloads, and records epoch as the last GC
// epoch. It does not check how often or when it is called (the epoch
// controller's GCFunc may run it twice per epoch); it fails only on a
// handle with no versions.
func (h *VHandle) GarbageCollect(epoch uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.versions) == 0 {
		return &ContractViolation{Op: "GarbageCollect", Message: "GC before first append of epoch"}
	}
	last := len(h.versions) - 1
	lastVersion := h.versions[last]
	lastObject := h.objects[last]

	h.versions = h.versions[:1]
	h.versions[0] = lastVersion
	h.objects = h.objects[:1]
	h.objects[0] = lastObject
	if h.readBits != nil {
		lastBit := h.readBits[last]
		h.readBits = h.readBits[:1]
		h.readBits[0] = lastBit
	}
	h.lastGCEpoch = epoch
	return nil
}

// search returns the index of sid within the sorted version array, and
// whether it was found. Callers must hold h.mu.
func (h *VHandle) search(sid SID) (int, bool) {
	i := sort.Search(len(h.versions), func(i int) bool { return h.versions[i] >= sid })
	if i < len(h.versions) && h.versions[i] == sid {
		return i, true
	}
	return 0, false
}
