package felis

import "context"

// AnyCore is the "no mandatory affinity" sentinel for a Promise's target
// core. A promise left at AnyCore when it is queued gets the core that
// produced its input as its default affinity.
const AnyCore = -1

// PromiseFunc is the body of a continuation fragment. capture is the
// opaque context recorded at NewPromise or Then time, stored as given (it
// is not copied into an Arena); input is the value the predecessor
// completed with (empty for a transaction's root).
// Captured contexts are erased to `any` and decoded by the function's own
// first action, rather than carried as a tagged variant: this keeps the
// promise node itself a fixed, arena-friendly shape regardless of what a
// given transaction phase needs to remember.
type PromiseFunc func(ctx context.Context, capture any, input any) (any, error)

// Promise is a continuation fragment: a function pointer plus captured
// state, a target core, and a scheduling key. Then appends a successor;
// multiple Thens on the same promise fan out. The graph is a forest
// rooted per transaction and contains no cycles. Promises are ordinary Go
// heap objects reclaimed by the garbage collector; they are not allocated
// from an Arena and an Arena reset does not reclaim them.
type Promise struct {
	Core     int
	SchedKey SID
	Capture  any
	Fn       PromiseFunc

	next []*Promise
}

// NewPromise constructs a root promise. core may be AnyCore; schedKey is
// typically the owning transaction's SID.
func NewPromise(core int, schedKey SID, capture any, fn PromiseFunc) *Promise {
	return &Promise{Core: core, SchedKey: schedKey, Capture: capture, Fn: fn}
}

// Then records a successor continuation, returning it so call chains can
// be built left-to-right. Calling Then more than once on the same promise
// produces a fan-out: every successor receives the same completion value.
func (p *Promise) Then(core int, schedKey SID, capture any, fn PromiseFunc) *Promise {
	child := NewPromise(core, schedKey, capture, fn)
	p.next = append(p.next, child)
	return child
}

// IsLeaf reports whether p has no successors.
func (p *Promise) IsLeaf() bool {
	return len(p.next) == 0
}

// resolveCore returns p.Core, substituting fromCore when p.Core is
// AnyCore, matching the epoch controller's "assign default affinity (the
// core itself) to any promise left unrouted" step.
func (p *Promise) resolveCore(fromCore int) int {
	if p.Core == AnyCore {
		return fromCore
	}
	return p.Core
}

// Complete supplies input to p: p is handed to the dispatcher for
// execution on its resolved core. When the dispatcher eventually runs it,
// successors are in turn completed with whatever p.Fn returns, and p's own
// completion is credited back regardless of whether it fanned out or was a
// leaf. fromCore is the core that produced input, used only to resolve an
// AnyCore affinity.
func (p *Promise) Complete(d *Dispatcher, fromCore int, input any) {
	core := p.resolveCore(fromCore)
	d.Add(core, &Routine{Promise: p, Input: input})
}

// Execute runs p.Fn with input and fans its result out to successors.
// Every promise Added to the dispatcher owes exactly one CompleteOne once
// it finishes running, regardless of whether it fanned out further
// successors (each a fresh Add of its own) or was a leaf: this keeps the
// completion counter balanced for a promise tree of any shape. Invoked
// only by the dispatcher worker loop once it has popped p's Routine.
func (p *Promise) Execute(ctx context.Context, d *Dispatcher, core int, input any) {
	out, err := p.Fn(ctx, p.Capture, input)
	if err != nil {
		currentLogger().Err().Err(err).
			Str("sid", p.SchedKey.String()).
			Int("core", core).
			Log("promise body returned an error")
	}
	for _, child := range p.next {
		child.Complete(d, core, out)
	}
	d.CompleteOne(core)
}
