package felis

import (
	"container/heap"
	"runtime"
	"sync"
	"sync/atomic"
)

// Routine is one unit of dispatchable work: a promise node paired with the
// input value its predecessor completed with. Routine identity (its
// pointer) is stable for as long as the routine is live, doubling as the
// dispatcher's task handle — there is no separate arena-index handle, the
// *Promise and its Routine wrapper are ordinary heap objects and already
// have stable addresses.
type Routine struct {
	Promise *Promise
	Input   any
}

const (
	routineChunkSize  = 128
	routineRingSize   = 4096
	routineRingSkip   = uint64(1) << 63
	routineOverflowCap = 256
)

// chunkedRoutineQueue is a chunked linked-list FIFO, the zero-key queue of
// a core's dispatcher state. Not safe for concurrent use; callers hold the
// owning core's mutex.
type chunkedRoutineQueue struct {
	head   *routineChunk
	tail   *routineChunk
	length int
}

var routineChunkPool = sync.Pool{New: func() any { return &routineChunk{} }}

type routineChunk struct {
	items   [routineChunkSize]*Routine
	next    *routineChunk
	readPos int
	pos     int
}

func newRoutineChunk() *routineChunk {
	c := routineChunkPool.Get().(*routineChunk)
	c.pos, c.readPos, c.next = 0, 0, nil
	return c
}

func returnRoutineChunk(c *routineChunk) {
	for i := 0; i < c.pos; i++ {
		c.items[i] = nil
	}
	c.pos, c.readPos, c.next = 0, 0, nil
	routineChunkPool.Put(c)
}

func (q *chunkedRoutineQueue) Push(r *Routine) {
	if q.tail == nil {
		q.tail = newRoutineChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.items) {
		next := newRoutineChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.items[q.tail.pos] = r
	q.tail.pos++
	q.length++
}

func (q *chunkedRoutineQueue) Front() (*Routine, bool) {
	for q.head != nil && q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos, q.head.readPos = 0, 0
			return nil, false
		}
		old := q.head
		q.head = q.head.next
		returnRoutineChunk(old)
	}
	if q.head == nil {
		return nil, false
	}
	return q.head.items[q.head.readPos], true
}

func (q *chunkedRoutineQueue) Pop() {
	q.head.items[q.head.readPos] = nil
	q.head.readPos++
	q.length--
	if q.head.readPos >= q.head.pos && q.head != q.tail {
		old := q.head
		q.head = q.head.next
		returnRoutineChunk(old)
	}
}

func (q *chunkedRoutineQueue) Length() int { return q.length }

// routineRing is a lock-free MPSC ring buffer staging Routines destined
// for a core's keyed heap: Add (any goroutine) pushes here; Peek and
// Preempt drain it, via drainInto, into the heap, both while holding the
// owning core's mutex, so drains never run concurrently.
// Adapted from the same release/acquire-sequenced ring discipline used
// for microtask scheduling elsewhere in this codebase, with an explicit
// validity flag per slot to disambiguate an empty slot from a legitimately
// wrapped sequence number of zero.
type routineRing struct {
	buffer [routineRingSize]*Routine
	valid  [routineRingSize]atomic.Bool
	seq    [routineRingSize]atomic.Uint64
	head   atomic.Uint64
	tail   atomic.Uint64

	overflowMu   sync.Mutex
	overflow     []*Routine
	overflowHead int
	hasOverflow  atomic.Bool
}

func newRoutineRing() *routineRing {
	r := &routineRing{}
	for i := range r.seq {
		r.seq[i].Store(routineRingSkip)
	}
	return r
}

func (r *routineRing) Push(item *Routine) {
	if r.hasOverflow.Load() {
		r.overflowMu.Lock()
		if len(r.overflow)-r.overflowHead > 0 {
			r.overflow = append(r.overflow, item)
			r.overflowMu.Unlock()
			return
		}
		r.overflowMu.Unlock()
	}

	for {
		tail := r.tail.Load()
		head := r.head.Load()
		if tail-head >= routineRingSize {
			break
		}
		if r.tail.CompareAndSwap(tail, tail+1) {
			idx := tail % routineRingSize
			r.buffer[idx] = item
			r.valid[idx].Store(true)
			r.seq[idx].Store(tail + 1)
			return
		}
	}

	r.overflowMu.Lock()
	if r.overflow == nil {
		r.overflow = make([]*Routine, 0, routineOverflowCap)
	}
	r.overflow = append(r.overflow, item)
	r.hasOverflow.Store(true)
	r.overflowMu.Unlock()
}

// drainInto pops every currently available item and hands it to fn, in
// FIFO order. Callers hold the owning core's mutex, so there is only ever
// one consumer at a time.
func (r *routineRing) drainInto(fn func(*Routine)) {
	for {
		head := r.head.Load()
		tail := r.tail.Load()
		if head >= tail {
			break
		}
		idx := head % routineRingSize
		if !r.valid[idx].Load() {
			runtime.Gosched()
			continue
		}
		item := r.buffer[idx]
		r.buffer[idx] = nil
		r.valid[idx].Store(false)
		r.seq[idx].Store(routineRingSkip)
		r.head.Add(1)
		fn(item)
	}

	if !r.hasOverflow.Load() {
		return
	}
	r.overflowMu.Lock()
	for r.overflowHead < len(r.overflow) {
		item := r.overflow[r.overflowHead]
		r.overflow[r.overflowHead] = nil
		r.overflowHead++
		r.overflowMu.Unlock()
		fn(item)
		r.overflowMu.Lock()
	}
	r.overflow = r.overflow[:0]
	r.overflowHead = 0
	r.hasOverflow.Store(false)
	r.overflowMu.Unlock()
}

func (r *routineRing) IsEmpty() bool {
	return r.head.Load() >= r.tail.Load() && !r.hasOverflow.Load()
}

// keyBucket holds all routines currently queued under one non-zero
// scheduling key, in FIFO order, plus the key itself for heap ordering.
type keyBucket struct {
	key   SID
	items []*Routine
}

// keyedHeap is a container/heap min-heap of buckets ordered by SID,
// paired with a map for O(1) "does a bucket for this key already exist".
type keyedHeap struct {
	buckets []*keyBucket
	index   map[SID]*keyBucket
}

func newKeyedHeap() *keyedHeap {
	return &keyedHeap{index: make(map[SID]*keyBucket)}
}

func (h *keyedHeap) Len() int            { return len(h.buckets) }
func (h *keyedHeap) Less(i, j int) bool  { return h.buckets[i].key < h.buckets[j].key }
func (h *keyedHeap) Swap(i, j int)       { h.buckets[i], h.buckets[j] = h.buckets[j], h.buckets[i] }
func (h *keyedHeap) Push(x any)          { h.buckets = append(h.buckets, x.(*keyBucket)) }
func (h *keyedHeap) Pop() any {
	old := h.buckets
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.buckets = old[:n-1]
	return item
}

func (h *keyedHeap) Insert(r *Routine) {
	key := r.Promise.SchedKey
	if b, ok := h.index[key]; ok {
		b.items = append(b.items, r)
		return
	}
	b := &keyBucket{key: key, items: []*Routine{r}}
	h.index[key] = b
	heap.Push(h, b)
}

// PeekMin returns the first routine of the lowest-key bucket without
// removing it.
func (h *keyedHeap) PeekMin() (*Routine, bool) {
	if len(h.buckets) == 0 {
		return nil, false
	}
	return h.buckets[0].items[0], true
}

// PopMin removes the routine returned by the most recent PeekMin.
func (h *keyedHeap) PopMin() {
	b := h.buckets[0]
	b.items = b.items[1:]
	if len(b.items) == 0 {
		delete(h.index, b.key)
		heap.Pop(h)
	}
}

// dispatcherCore is the full per-core dispatch state: the zero-key FIFO,
// the pending ring staged by cross-goroutine Add calls, the keyed heap
// built by draining that ring, the routine presently executing, and a
// local completion tally flushed lazily into the dispatcher's shared
// counter.
type dispatcherCore struct {
	mu      sync.Mutex
	zero    chunkedRoutineQueue
	pending *routineRing
	keyed   *keyedHeap
	current *Routine

	localComplete int64
	localBubbles  int64

	wake chan struct{}
}

// Dispatcher holds one dispatcherCore per worker core plus the shared,
// per-epoch completion counter that the control routine polls to detect a
// phase barrier has been cleared.
type Dispatcher struct {
	cores      []dispatcherCore
	completion atomic.Int64
}

// NewDispatcher constructs a dispatcher for nrCores worker cores.
func NewDispatcher(nrCores int) *Dispatcher {
	d := &Dispatcher{cores: make([]dispatcherCore, nrCores)}
	for i := range d.cores {
		d.cores[i].pending = newRoutineRing()
		d.cores[i].keyed = newKeyedHeap()
		d.cores[i].wake = make(chan struct{}, 1)
	}
	return d
}

// NrCores returns the number of cores this dispatcher was built for.
func (d *Dispatcher) NrCores() int { return len(d.cores) }

// ArmCompletion sets the shared completion counter at the start of a
// phase, matching the epoch controller's "arm a completion counter =
// nr_nodes + nr_threads" step.
func (d *Dispatcher) ArmCompletion(n int64) {
	d.completion.Store(n)
}

// CompletionRemaining reports the current value of the shared completion
// counter; zero means the phase barrier has cleared.
func (d *Dispatcher) CompletionRemaining() int64 {
	return d.completion.Load()
}

// Add enqueues r onto the named core: zero-key routines go to the FIFO,
// everything else is staged in the pending ring for the core's own
// worker to fold into its keyed heap. Safe to call from any goroutine.
//
// Add pre-increments the shared completion counter by one on the
// issuer's behalf: whoever eventually runs r's promise body balances
// this with exactly one CompleteOne, so a promise tree of any shape
// nets to zero once fully drained regardless of how much it fans out.
func (d *Dispatcher) Add(core int, r *Routine) {
	d.completion.Add(1)
	c := &d.cores[core]
	if r.Promise.SchedKey.IsZero() {
		c.mu.Lock()
		c.zero.Push(r)
		c.mu.Unlock()
	} else {
		c.pending.Push(r)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// AddBubble records a completion that was pre-counted by the issuer but
// will never actually arrive (e.g. an index lookup found no work for this
// txn on this core).
func (d *Dispatcher) AddBubble(core int) {
	c := &d.cores[core]
	c.mu.Lock()
	c.localBubbles++
	c.mu.Unlock()
}

// CompleteOne records that one routine Added to core has finished
// running (whether it fanned out further successors or was a leaf),
// balancing that routine's own prior Add. Flushed into the shared
// counter the next time that core goes idle in Peek.
func (d *Dispatcher) CompleteOne(core int) {
	c := &d.cores[core]
	c.mu.Lock()
	c.localComplete++
	c.mu.Unlock()
}

func (d *Dispatcher) flushLocal(c *dispatcherCore) {
	if c.localComplete != 0 || c.localBubbles != 0 {
		d.completion.Add(-(c.localComplete + c.localBubbles))
		c.localComplete = 0
		c.localBubbles = 0
	}
}

// Peek extracts the next routine core should run, per the strict
// priority discipline: zero-key FIFO strictly ahead of any keyed work,
// ties within keyed work broken FIFO. shouldPop is consulted before the
// routine is actually removed, mirroring the teacher's accept-before-pop
// discipline for its own ingress queues; a caller that declines leaves
// the routine in place for the next Peek.
func (d *Dispatcher) Peek(core int, shouldPop func(*Routine) bool) (*Routine, bool) {
	c := &d.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.zero.Front(); ok {
		if shouldPop == nil || shouldPop(r) {
			c.zero.Pop()
			c.current = r
			return r, true
		}
		return nil, false
	}

	c.pending.drainInto(func(r *Routine) { c.keyed.Insert(r) })

	if r, ok := c.keyed.PeekMin(); ok {
		if shouldPop == nil || shouldPop(r) {
			c.keyed.PopMin()
			c.current = r
			return r, true
		}
		return nil, false
	}

	c.current = nil
	d.flushLocal(c)
	return nil, false
}

// Preempt implements cooperative yielding for core's currently running
// routine. With force=false, it declines to preempt (returns false,
// "keep running") unless higher-priority work is already present: any
// zero-key work, or keyed work with a smaller key, when the current
// routine is keyed; or existing zero-key or keyed work when the current
// routine is itself zero-key (since
// zero-key work has no internal priority beyond FIFO order, any peer
// zero-key item counts as "higher priority" for the purpose of fairness).
// With force=true, the routine is saved back unconditionally.
func (d *Dispatcher) Preempt(core int, force bool) bool {
	c := &d.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return false
	}

	if !force {
		c.pending.drainInto(func(r *Routine) { c.keyed.Insert(r) })
		_, higher := c.zero.Front()
		if next, ok := c.keyed.PeekMin(); ok && !higher {
			key := c.current.Promise.SchedKey
			higher = key.IsZero() || next.Promise.SchedKey < key
		}
		if !higher {
			return false
		}
	}

	cur := c.current
	c.current = nil
	if cur.Promise.SchedKey.IsZero() {
		c.zero.Push(cur)
	} else {
		c.keyed.Insert(cur)
	}
	return true
}

// Wake returns the channel a worker for core can select on while idle;
// it receives a value whenever Add places new work on that core.
func (d *Dispatcher) Wake(core int) <-chan struct{} {
	return d.cores[core].wake
}
