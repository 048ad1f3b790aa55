package felis

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// spinnerNotifyInterval is how often, in spin iterations, a waiter checks
// for outgoing work it should flush and attempts a cooperative preempt
// instead of just pausing.
const spinnerNotifyInterval = 1 << 12 // ~4K

// spinnerDiagnosticInterval is how often a long spin prints a deadlock
// diagnostic. Large enough that it never fires under normal contention,
// small enough that an operator sees it well before a human would give up
// waiting.
const spinnerDiagnosticInterval = 1 << 27 // ~128M

// Spinner is the per-core wait/notify mechanism VHandle uses to block a
// routine on a version slot that is still Pending, and to wake it once a
// writer publishes a value. There is exactly one slot per core: a routine
// waiting on a record sets its core's bit in a waiter bitmap associated
// with the slot, then spins until the slot's payload is no longer
// Pending. Notify also sets the waiting cores' done flags, but the spin
// loop ends on the payload, not on the flag.
//
// The spec's "address encodes both payload and waiter bitmap" collapses
// here into a small mutex-guarded map from (handle, slot) to a bitmap of
// waiting cores, since Go has no single machine word wide enough to pack
// an N-core bitmap and a 64-bit payload into one CAS-able location without
// an extra indirection.
type Spinner struct {
	cores []spinnerSlot

	waitMu   sync.Mutex
	waitBits map[waiterKey]uint64

	// onFlush, if set, is invoked roughly every spinnerNotifyInterval
	// iterations so a waiting routine still drains its outgoing work
	// while parked; grounded on cooperative preemption being reachable
	// from any busy wait, not only from the dispatcher's own Peek.
	onFlush func(core int)

	probes *Probes
}

type spinnerSlot struct {
	_    [cacheLineSize]byte
	done atomic.Bool
	_    [cacheLineSize]byte
}

type waiterKey struct {
	handle *VHandle
	index  int
}

// NewSpinner constructs a spinner sized for nrCores cores.
func NewSpinner(nrCores int) *Spinner {
	return &Spinner{
		cores:    make([]spinnerSlot, nrCores),
		waitBits: make(map[waiterKey]uint64),
	}
}

// SetPreemptHook installs the callback invoked periodically while a
// routine spins, giving the dispatcher a chance to flush outgoing work and
// attempt a cooperative preempt without the waiter ever truly blocking an
// OS thread.
func (s *Spinner) SetPreemptHook(fn func(core int)) {
	s.onFlush = fn
}

// SetProbes installs the optional observability hooks fired alongside
// the deadlock diagnostic log line.
func (s *Spinner) SetProbes(p *Probes) {
	s.probes = p
}

// WaitForData parks the calling routine on handle's slot at index until a
// writer publishes a non-Pending value. It is WaitForDataOnCore for core
// 0: the wait is always recorded under core 0's bit, whichever core the
// caller runs on. waitSID is recorded purely for the deadlock diagnostic.
func (s *Spinner) WaitForData(handle *VHandle, index int, waitSID SID) {
	s.WaitForDataOnCore(0, handle, index, waitSID)
}

// WaitForDataOnCore is WaitForData with an explicit core index, used by
// dispatcher workers that know their own pinned core.
func (s *Spinner) WaitForDataOnCore(core int, handle *VHandle, index int, waitSID SID) {
	key := waiterKey{handle, index}

	s.waitMu.Lock()
	s.waitBits[key] |= 1 << uint(core)
	s.waitMu.Unlock()

	var slot *spinnerSlot
	if core < len(s.cores) {
		slot = &s.cores[core]
		slot.done.Store(false)
	}

	var spins uint64
	for atomic.LoadUint64(&handle.objects[index]) == Pending {
		spins++
		if spins%spinnerNotifyInterval == 0 && s.onFlush != nil {
			s.onFlush(core)
		}
		if spins%spinnerDiagnosticInterval == 0 {
			currentLogger().Warning().
				Int("core", core).
				Str("waiting", waitSID.String()).
				Uint64("spins", spins).
				Log("deadlock suspected: still waiting for pending version")
			s.probes.fireDeadlockSuspected(core, waitSID, handle.versions[index], spins)
		}
		if slot != nil && slot.done.Load() {
			// woken explicitly; loop condition will settle on next check
		}
		runtime.Gosched()
	}

	s.waitMu.Lock()
	delete(s.waitBits, key)
	s.waitMu.Unlock()
}

// Notify wakes every core waiting on handle's slot at index. Producers
// call this immediately after publishing a value.
func (s *Spinner) Notify(handle *VHandle, index int) {
	key := waiterKey{handle, index}
	s.waitMu.Lock()
	bits := s.waitBits[key]
	s.waitMu.Unlock()
	if bits == 0 {
		return
	}
	for core := 0; core < len(s.cores) && core < 64; core++ {
		if bits&(1<<uint(core)) != 0 {
			s.cores[core].done.Store(true)
		}
	}
}
