package felis

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
)

// priorityRateCategory is the single catrate category every priority
// admission attempt is gated under; there is exactly one incoming-rate
// budget for the whole service, not one per caller.
const priorityRateCategory = "priority"

// progressTracker holds each core's most-recently-started SID, published
// by worker cores and consumed by the priority admission protocol to
// compute a safe lower bound and to detect a handle append that lost a
// race against normal progress.
type progressTracker struct {
	progress []uint64 // one SID per core, atomic access only
}

func newProgressTracker(nrCores int) *progressTracker {
	return &progressTracker{progress: make([]uint64, nrCores)}
}

// Advance publishes core's most-recently-started SID.
func (t *progressTracker) Advance(core int, sid SID) {
	atomic.StoreUint64(&t.progress[core], uint64(sid))
}

// GetMaxProgress returns the maximum SID any core has started.
func (t *progressTracker) GetMaxProgress() SID {
	var max uint64
	for i := range t.progress {
		if v := atomic.LoadUint64(&t.progress[i]); v > max {
			max = v
		}
	}
	return SID(max)
}

// MaxProgressPassed reports whether any core has already started
// something at or beyond sid.
func (t *progressTracker) MaxProgressPassed(sid SID) bool {
	return t.GetMaxProgress() >= sid
}

// GetFastestCore returns the index of the core with the highest
// published progress, used for affinity heuristics when routing a
// priority transaction's pieces.
func (t *progressTracker) GetFastestCore() int {
	fastest, max := 0, uint64(0)
	for i := range t.progress {
		if v := atomic.LoadUint64(&t.progress[i]); v >= max {
			max, fastest = v, i
		}
	}
	return fastest
}

// PriorityUpdateHandle is one record a priority transaction intends to
// touch at the SID chosen by admission. Handles must be supplied sorted
// by address (here, by a caller-assigned stable ordering key) to avoid
// deadlock between concurrently admitting priority transactions that
// share handles.
type PriorityUpdateHandle struct {
	Handle *VHandle
	// OrderKey orders handles within an admission attempt; callers sort
	// their handle set by this before calling Init, matching the
	// "sorted update-handle set" admission precondition.
	OrderKey uintptr
}

// PriorityService admits out-of-batch priority transactions into the
// reserved sequence slots of the current epoch and issues their work
// onto the dispatcher. One service instance is scoped to a single node
// id and a single epoch's worth of admission state; the Server rebinds
// it (Rebind) before each epoch's TxnSet is requested.
type PriorityService struct {
	node     uint8
	cfg      Config
	progress *progressTracker
	limiter  *catrate.Limiter
	probes   *Probes

	lastSid  uint64 // atomic
	epochNr  uint32
	pieceCnt int64 // atomic, outstanding IssuePromise pieces

	throttled int64 // atomic, Allow() denials
	failed    int64 // atomic, Init() PriorityConflict count
}

// NewPriorityService constructs a priority admission service. progress
// must be the same tracker the epoch controller's worker cores publish
// into; incomingRate, taken from cfg, configures the catrate gate (zero
// disables it, admitting unconditionally).
func NewPriorityService(node uint8, cfg Config, progress *progressTracker) *PriorityService {
	var limiter *catrate.Limiter
	if cfg.incomingRate > 0 {
		limiter = catrate.NewLimiter(map[time.Duration]int{time.Second: cfg.incomingRate})
	}
	return &PriorityService{node: node, cfg: cfg, progress: progress, limiter: limiter}
}

// SetProbes installs the optional observability hooks fired on every
// admission outcome.
func (s *PriorityService) SetProbes(p *Probes) {
	s.probes = p
}

// Rebind resets the service for a new epoch: SIDs it admits from now on
// carry epochNr in their epoch field, and lastSid is cleared to zero so
// admission starts again from the new epoch's first sequence.
func (s *PriorityService) Rebind(epochNr uint32) {
	s.epochNr = epochNr
	atomic.StoreUint64(&s.lastSid, 0)
}

// Allowed consults the incoming-rate gate. A denial is counted as
// "throttled", distinct from a PriorityConflict returned by Init: the
// transaction never attempted admission at all.
func (s *PriorityService) Allowed() bool {
	if s.limiter == nil {
		return true
	}
	if _, ok := s.limiter.Allow(priorityRateCategory); !ok {
		atomic.AddInt64(&s.throttled, 1)
		return false
	}
	return true
}

// Init attempts to admit a priority transaction touching handles (which
// the caller must have already sorted by OrderKey) into a reserved slot
// of the current epoch. On success it returns the admitted SID and a
// nil error; subsequent Read/Write/Delete against handles must use that
// SID. On failure it returns a *PriorityConflict and leaves IGNORE
// markers on every handle it had already appended to, preserving each
// handle's sorted-version invariant for future readers.
func (s *PriorityService) Init(handles []PriorityUpdateHandle) (SID, error) {
	if s.cfg.slotPercentage <= 0 {
		return 0, &PriorityConflict{Reason: "priority slots are not configured (slotPercentage == 0)"}
	}
	if !sort.SliceIsSorted(handles, func(i, j int) bool { return handles[i].OrderKey < handles[j].OrderKey }) {
		return 0, &ContractViolation{Op: "PriorityService.Init", Message: "update-handle set must be sorted by address"}
	}

	k := s.cfg.slotWidth()

	lb := s.lowerBound(handles)
	sid := roundUpToSlot(lb, k, s.node, s.epochNr)

	revertCnt := len(handles)
	var conflict error
	for i, h := range handles {
		if s.cfg.readBit && h.Handle.CheckReadBit(sid) {
			conflict = &PriorityConflict{SID: sid, Reason: "read-bit hazard before append"}
			revertCnt = i
			break
		}
		if err := h.Handle.AppendNewVersion(sid); err != nil {
			conflict = &PriorityConflict{SID: sid, Reason: "append failed: " + err.Error()}
			revertCnt = i
			break
		}
		if s.cfg.readBit && h.Handle.CheckReadBit(sid) {
			conflict = &PriorityConflict{SID: sid, Reason: "read-bit hazard after append"}
			revertCnt = i + 1
			break
		}
		if s.progress.MaxProgressPassed(sid) {
			conflict = &PriorityConflict{SID: sid, Reason: "max progress passed chosen sid"}
			revertCnt = i + 1
			break
		}
	}

	if conflict != nil {
		for i := 0; i < revertCnt; i++ {
			if err := handles[i].Handle.MarkIgnore(sid); err != nil {
				currentLogger().Err().Err(err).Str("sid", sid.String()).Log("failed to mark ignore during priority rollback")
			}
		}
		atomic.AddInt64(&s.failed, 1)
		s.probes.firePriorityRejected(sid, conflict.Error())
		return 0, conflict
	}

	atomic.StoreUint64(&s.lastSid, uint64(sid))
	s.probes.firePriorityAdmitted(sid)
	return sid, nil
}

// lowerBound computes max(lastSid, maxProgress+backoffDistance), then,
// when read-bit mode is enabled, walks each handle to find the earliest
// SID above that bound not already read, raising the bound further.
func (s *PriorityService) lowerBound(handles []PriorityUpdateHandle) SID {
	last := SID(atomic.LoadUint64(&s.lastSid))
	floor := s.progress.GetMaxProgress() + SID(s.cfg.backoffDistance)
	lb := last
	if floor > lb {
		lb = floor
	}
	if !s.cfg.readBit {
		return lb
	}
	for _, h := range handles {
		for h.Handle.CheckReadBit(lb) {
			lb++
		}
	}
	return lb
}

// roundUpToSlot rounds lb's sequence up to the next sequence reserved
// for priority use (every k-th sequence), preserving lb's node and
// epoch fields.
func roundUpToSlot(lb SID, k uint32, node uint8, epochNr uint32) SID {
	if k == 0 {
		return lb
	}
	seq := lb.Sequence()
	rem := seq % k
	if rem != 0 {
		seq += k - rem
	} else if lb.IsZero() {
		seq = k
	}
	return MakeSID(node, seq, epochNr)
}

// IssuePromise wraps body and its captured context into a promise
// scheduled at sid, routes it to core (typically the fastest core, or a
// caller-supplied affinity heuristic), and hands it to the dispatcher.
// A local piece counter tracks outstanding pieces for latency probing;
// it is incremented here and decremented by the body's own completion,
// via the returned decrement func the caller's Then chain should invoke
// at its terminal leaf.
func (s *PriorityService) IssuePromise(d *Dispatcher, core int, sid SID, capture any, body PromiseFunc) (*Promise, func()) {
	atomic.AddInt64(&s.pieceCnt, 1)
	decrement := func() { atomic.AddInt64(&s.pieceCnt, -1) }
	p := NewPromise(core, sid, capture, body)
	p.Complete(d, core, nil)
	return p, decrement
}

// PieceCount reports the number of priority promise pieces currently
// outstanding (issued but not yet completed).
func (s *PriorityService) PieceCount() int64 {
	return atomic.LoadInt64(&s.pieceCnt)
}

// ThrottledCount reports how many Init attempts were denied by the
// incoming-rate gate before ever reaching admission.
func (s *PriorityService) ThrottledCount() int64 {
	return atomic.LoadInt64(&s.throttled)
}

// FailedCount reports how many Init attempts reached admission and lost
// (a PriorityConflict), as opposed to being throttled beforehand.
func (s *PriorityService) FailedCount() int64 {
	return atomic.LoadInt64(&s.failed)
}

// RunPeriodically drives admission attempts at the configured interval
// until ctx is cancelled or limit attempts have been made (limit <= 0
// means unbounded). attempt is called once per tick that passes the
// incoming-rate gate; its bool result indicates whether the admission
// succeeded (used purely for caller-side bookkeeping/logging here).
func (s *PriorityService) RunPeriodically(ctx context.Context, limit int, attempt func(ctx context.Context) bool) {
	if s.cfg.intervalPriority <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.intervalPriority)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if limit > 0 && count >= limit {
				return
			}
			if !s.Allowed() {
				continue
			}
			count++
			attempt(ctx)
		}
	}
}
