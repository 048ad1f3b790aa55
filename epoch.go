package felis

import (
	"context"
	"sync"
	"time"
)

// Phase is one of the three strict phases every epoch advances through.
type Phase int

const (
	PhaseInsert Phase = iota
	PhaseInitialize
	PhaseExecute
)

func (p Phase) String() string {
	switch p {
	case PhaseInsert:
		return "insert"
	case PhaseInitialize:
		return "initialize"
	case PhaseExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// idleBackoff bounds how long a core's phase-runner goroutine parks
// between emptiness checks once it has drained its own and every routed
// routine, waiting either for more work or for the phase to clear.
const idleBackoff = 200 * time.Microsecond

// Transaction is the client contract for one unit of epoch work: a
// phase-method per phase, a typed state bag, and the root of its
// continuation forest.
type Transaction interface {
	PrepareInsert(ctx context.Context) error
	Prepare(ctx context.Context) error
	Run(ctx context.Context) error

	State() any
	ResetRoot()
	RootPromise() *Promise
}

// TxnSet is the per-epoch collection of transactions, partitioned by
// core, that the client's GenerateBenchmarks populates ahead of time.
// Close releases any resources (e.g. arena-backed buffers) the set
// itself owns — unlike the upstream implementation this is called on
// every teardown path (normal epoch end or an error part-way through the
// epoch), not leaked until process exit.
type TxnSet interface {
	ForCore(core int) []Transaction
	NrCores() int
	Close() error
}

// Epoch is the tuple <epoch_nr, per-core arenas, txn_set>. Exactly one
// epoch is current; its memory regions are reset (not reallocated) on
// every advance.
type Epoch struct {
	Nr     uint32
	Arenas []*Arena
	Txns   TxnSet
}

// EpochCallback receives phase-completion notifications from the
// controller. A nil EpochCallback means "no callback"; a non-nil one
// receives all three notifications.
type EpochCallback interface {
	OnInsertComplete(epochNr uint32)
	OnInitializeComplete(epochNr uint32)
	OnExecuteComplete(epochNr uint32)
}

// GCFunc runs garbage collection across all handles touched so far; the
// controller treats it as a black box invoked once between Initialize and
// Execute, and once more at epoch advance.
type GCFunc func(ctx context.Context, epochNr uint32) error

// NextEpochFunc supplies the next epoch's pre-generated TxnSet, the
// GenerateBenchmarks client contract. Returning (nil, nil) signals there
// is no further epoch to run.
type NextEpochFunc func(nr uint32) (TxnSet, error)

// EpochController drives the Insert -> Initialize -> Execute phase state
// machine for one epoch at a time, coordinating with a Dispatcher for
// the actual per-core work execution.
type EpochController struct {
	dispatcher *Dispatcher
	nrNodes    int
	nrThreads  int

	arenaNode func(core int) int

	cur     *Epoch
	maxEpoch uint32

	gc       GCFunc
	next     NextEpochFunc
	callback EpochCallback
	probes   *Probes
}

// SetProbes installs the optional observability hooks fired once an
// epoch's three phases have all cleared.
func (c *EpochController) SetProbes(p *Probes) {
	c.probes = p
}

// NewEpochController constructs a controller over an already-built
// dispatcher. arenaNode maps a core index to the NUMA node its arena
// should bind to; pass nil, or a function returning a negative node, to
// disable NUMA-aware placement.
func NewEpochController(d *Dispatcher, nrNodes int, maxEpoch uint32, arenaNode func(core int) int, gc GCFunc, next NextEpochFunc, cb EpochCallback) *EpochController {
	return &EpochController{
		dispatcher: d,
		nrNodes:    nrNodes,
		nrThreads:  d.NrCores(),
		arenaNode:  arenaNode,
		maxEpoch:   maxEpoch,
		gc:         gc,
		next:       next,
		callback:   cb,
	}
}

// Start advances through epochs 1..maxEpoch, running all three phases of
// each, until the next-epoch source is exhausted or maxEpoch is reached.
func (c *EpochController) Start(ctx context.Context) error {
	arenas := make([]*Arena, 0, c.nrThreads)
	for epochNr := uint32(1); c.maxEpoch == 0 || epochNr <= c.maxEpoch; epochNr++ {
		txns, err := c.next(epochNr)
		if err != nil {
			return WrapError("generating benchmarks for epoch", err)
		}
		if txns == nil {
			return nil
		}

		for core := len(arenas); core < c.nrThreads; core++ {
			node := -1
			if c.arenaNode != nil {
				node = c.arenaNode(core)
			}
			a, err := NewArena(node)
			if err != nil {
				_ = txns.Close()
				return err
			}
			arenas = append(arenas, a)
		}

		c.cur = &Epoch{Nr: epochNr, Arenas: arenas, Txns: txns}

		if err := c.runPhase(ctx, PhaseInsert); err != nil {
			_ = txns.Close()
			return err
		}
		if cb := c.callback; cb != nil {
			cb.OnInsertComplete(epochNr)
		}

		if err := c.runPhase(ctx, PhaseInitialize); err != nil {
			_ = txns.Close()
			return err
		}
		if cb := c.callback; cb != nil {
			cb.OnInitializeComplete(epochNr)
		}

		if c.gc != nil {
			if err := c.gc(ctx, epochNr); err != nil {
				_ = txns.Close()
				return WrapError("gc pass between initialize and execute", err)
			}
		}

		if err := c.runPhase(ctx, PhaseExecute); err != nil {
			_ = txns.Close()
			return err
		}
		if cb := c.callback; cb != nil {
			cb.OnExecuteComplete(epochNr)
		}

		if c.gc != nil {
			if err := c.gc(ctx, epochNr); err != nil {
				_ = txns.Close()
				return WrapError("gc pass at epoch advance", err)
			}
		}

		for _, a := range arenas {
			a.Reset()
		}
		if err := txns.Close(); err != nil {
			currentLogger().Warning().Err(err).Log("txn set close returned an error")
		}
		c.probes.fireEpochAdvance(epochNr)
	}
	return nil
}

// runPhase arms the completion counter to nr_nodes+nr_threads, fans the
// phase method out across every core, and
// blocks until the phase barrier clears: no caller observes phase N+1
// until every core's completion counter for N has reached zero.
//
// The nr_nodes share of that arm represents cross-node coordination this
// single-process controller does not perform; it is cancelled up front
// with one bubble. Each core's own nr_threads share is cancelled once
// that core's production loop (the txn iteration in runPhaseOnCore) has
// produced every root promise it owns, via its own bubble. What remains
// to drain the counter to zero past that point is exactly the pending
// promise trees those roots produced, each self-balancing per Add/
// CompleteOne pair regardless of fan-out shape.
//
// runPhase does not reset the dispatcher's per-core queues or the epoch's
// arenas; arenas are reset only once per epoch, after all three phases.
func (c *EpochController) runPhase(ctx context.Context, phase Phase) error {
	epoch := c.cur
	d := c.dispatcher

	d.ArmCompletion(int64(c.nrNodes + c.nrThreads))
	for i := 0; i < c.nrNodes; i++ {
		d.AddBubble(0)
	}

	var wg sync.WaitGroup
	errs := make([]error, c.nrThreads)
	for core := 0; core < c.nrThreads; core++ {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			errs[core] = c.runPhaseOnCore(ctx, core, phase, epoch.Txns.ForCore(core))
		}(core)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *EpochController) runPhaseOnCore(ctx context.Context, core int, phase Phase, txns []Transaction) error {
	d := c.dispatcher

	for _, txn := range txns {
		txn.ResetRoot()
		var err error
		switch phase {
		case PhaseInsert:
			err = txn.PrepareInsert(ctx)
		case PhaseInitialize:
			err = txn.Prepare(ctx)
		case PhaseExecute:
			err = txn.Run(ctx)
		}
		if err != nil {
			currentLogger().Err().Err(err).
				Str("phase", phase.String()).
				Int("core", core).
				Log("transaction phase method returned an error")
			continue
		}
		root := txn.RootPromise()
		if root == nil {
			// nothing was ever Added to the dispatcher on this
			// transaction's behalf, so there is nothing for the
			// completion counter to account for.
			continue
		}
		root.Complete(d, core, nil)
	}

	// this core's own nr_threads share of the phase arm is now spent: its
	// production loop produced every root promise it owns.
	d.AddBubble(core)

	// keep draining the dispatcher
	// (its own queue and anything routed to it from other cores) until
	// the whole phase's completion counter reaches zero.
	for d.CompletionRemaining() > 0 {
		if r, ok := d.Peek(core, nil); ok {
			r.Promise.Execute(ctx, d, core, r.Input)
			continue
		}
		select {
		case <-d.Wake(core):
		case <-time.After(idleBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CurrentEpoch returns the epoch presently being advanced through, or nil
// before the first call to Start.
func (c *EpochController) CurrentEpoch() *Epoch {
	return c.cur
}
