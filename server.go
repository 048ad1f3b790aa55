package felis

import (
	"context"
	"sync/atomic"
	"time"
)

// Server is the single "owns everything" context handle: the dispatcher,
// epoch controller, spinner, priority service and resolved configuration
// a running instance needs, constructed once at startup and threaded
// through worker creation. This is where the spec's three separate
// global singletons (EpochManager, PriorityTxnService,
// PromiseRoutineDispatchService) collapse to, so that nothing but the
// logger remains a package-level global.
type Server struct {
	cfg Config

	dispatcher *Dispatcher
	spinner    *Spinner
	progress   *progressTracker
	priority   *PriorityService
	epoch      *EpochController
	probes     *Probes

	startedAt time.Time
	txnCount  int64
}

// NewServer resolves opts into a Config and wires up a dispatcher,
// spinner and priority service sized to it. gc and next are the epoch
// controller's garbage-collection and next-epoch-source callbacks,
// matching the client-supplied GenerateBenchmarks contract; arenaNode
// maps a worker core to the NUMA node its arena should bind to (nil
// disables NUMA-aware placement).
func NewServer(node uint8, maxEpoch uint32, arenaNode func(core int) int, gc GCFunc, next NextEpochFunc, cb EpochCallback, opts ...Option) (*Server, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}

	d := NewDispatcher(cfg.nrThreads)
	spinner := NewSpinner(cfg.nrThreads)

	progress := newProgressTracker(cfg.nrThreads)
	priority := NewPriorityService(node, cfg, progress)
	rebindingNext := func(nr uint32) (TxnSet, error) {
		priority.Rebind(nr)
		return next(nr)
	}

	epoch := NewEpochController(d, 1, maxEpoch, arenaNode, gc, rebindingNext, cb)

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		spinner:    spinner,
		progress:   progress,
		priority:   priority,
		epoch:      epoch,
	}
	return s, nil
}

// SetProbes installs observability hooks across every component that
// fires one, replacing whatever Probes value (nil or otherwise) each
// currently holds.
func (s *Server) SetProbes(p *Probes) {
	s.probes = p
	s.spinner.SetProbes(p)
	s.priority.SetProbes(p)
	s.epoch.SetProbes(p)
}

// Dispatcher returns the server's dispatcher, for transaction bodies
// that need to enqueue additional promises directly.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Spinner returns the server's spinner, passed to VHandle construction
// so reads can block on pending versions.
func (s *Server) Spinner() *Spinner { return s.spinner }

// Priority returns the server's priority admission service.
func (s *Server) Priority() *PriorityService { return s.priority }

// Config returns the resolved configuration this server was built from.
func (s *Server) Config() Config { return s.cfg }

// AdvanceProgress publishes core's most-recently-started SID, feeding
// the priority service's admission lower bound.
func (s *Server) AdvanceProgress(core int, sid SID) {
	s.progress.Advance(core, sid)
}

// Run drives the epoch controller through every configured epoch,
// recording wall-clock duration for the final throughput report. It
// returns ErrServerTerminated if called a second time on the same
// Server.
func (s *Server) Run(ctx context.Context) error {
	if !s.startedAt.IsZero() {
		return ErrServerTerminated
	}
	s.startedAt = time.Now()
	s.priority.Rebind(1)
	return s.epoch.Start(ctx)
}

// RecordTxn increments the completed-transaction tally used to compute
// the final throughput report. Callers (typically a Transaction's
// terminal promise leaf) call this once per completed transaction, from
// any core's goroutine.
func (s *Server) RecordTxn() {
	atomic.AddInt64(&s.txnCount, 1)
}

// ThroughputReport summarizes the run so far: elapsed wall time since
// Run was called and the transaction tally RecordTxn has accumulated.
func (s *Server) ThroughputReport(cpu int) ThroughputReport {
	elapsed := time.Duration(0)
	if !s.startedAt.IsZero() {
		elapsed = time.Since(s.startedAt)
	}
	return NewThroughputReport(cpu, elapsed, atomic.LoadInt64(&s.txnCount))
}

// WriteReports writes the server's throughput report (and, if latency
// is non-nil, a priority latency report) to the configured output
// directory.
func (s *Server) WriteReports(cpu int, latency *PriorityLatencyReport) error {
	return WriteReports(s.cfg.outputDir, s.ThroughputReport(cpu), latency)
}
