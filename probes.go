package felis

// Probes is an optional set of observability hooks a Server calls at
// well-defined points, nil-checked throughout so a caller that supplies
// no Probes pays nothing beyond a nil comparison. Every field is
// independently optional.
type Probes struct {
	// OnEpochAdvance fires once an epoch's three phases have all
	// cleared, before the next epoch's TxnSet is requested.
	OnEpochAdvance func(epochNr uint32)

	// OnPriorityAdmitted fires after a successful PriorityService.Init,
	// reporting the SID it was admitted at.
	OnPriorityAdmitted func(sid SID)

	// OnPriorityRejected fires after a failed PriorityService.Init.
	OnPriorityRejected func(sid SID, reason string)

	// OnDeadlockSuspected fires whenever the spinner's diagnostic
	// threshold is crossed, mirroring the DeadlockSuspected error's
	// fields without actually constructing one on every occurrence.
	OnDeadlockSuspected func(core int, waiting, target SID, spins uint64)
}

func (p *Probes) fireEpochAdvance(epochNr uint32) {
	if p != nil && p.OnEpochAdvance != nil {
		p.OnEpochAdvance(epochNr)
	}
}

func (p *Probes) firePriorityAdmitted(sid SID) {
	if p != nil && p.OnPriorityAdmitted != nil {
		p.OnPriorityAdmitted(sid)
	}
}

func (p *Probes) firePriorityRejected(sid SID, reason string) {
	if p != nil && p.OnPriorityRejected != nil {
		p.OnPriorityRejected(sid, reason)
	}
}

func (p *Probes) fireDeadlockSuspected(core int, waiting, target SID, spins uint64) {
	if p != nil && p.OnDeadlockSuspected != nil {
		p.OnDeadlockSuspected(core, waiting, target, spins)
	}
}
