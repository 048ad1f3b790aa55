package felis

import "testing"

func priorityTestConfig(t *testing.T, opts ...Option) Config {
	t.Helper()
	cfg, err := resolveConfig(opts)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	return cfg
}

// TestPriorityService_AdmissionSuccess matches scenario 3: slotPercentage
// 20 gives k=6; after sequences 1..5 are occupied by batch work, Init
// lands on sequence 6 and both handles end up PENDING at that SID.
func TestPriorityService_AdmissionSuccess(t *testing.T) {
	cfg := priorityTestConfig(t, WithSlotPercentage(20))
	progress := newProgressTracker(1)
	progress.Advance(0, MakeSID(0, 5, 0))

	svc := NewPriorityService(0, cfg, progress)

	h1 := NewVHandle(0, nil)
	h2 := NewVHandle(0, nil)
	handles := []PriorityUpdateHandle{
		{Handle: h1, OrderKey: 1},
		{Handle: h2, OrderKey: 2},
	}

	sid, err := svc.Init(handles)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := sid.Sequence(); got != 6 {
		t.Fatalf("admitted sequence = %d, want 6", got)
	}

	for i, h := range []*VHandle{h1, h2} {
		v, ok := h.ReadWithVersion(sid+1, false)
		if !ok || v != Pending {
			t.Fatalf("handle %d: ReadWithVersion = (%v,%v), want (Pending,true)", i, v, ok)
		}
	}
}

// TestPriorityService_AdmissionFailureRollsBackWithIgnore matches
// scenario 4: progress is already past the SID Init will choose, so the
// progress check right after appending the first handle fails, Init
// returns a conflict, and the first handle is left with an IGNORE marker
// rather than a dangling PENDING.
func TestPriorityService_AdmissionFailureRollsBackWithIgnore(t *testing.T) {
	cfg := priorityTestConfig(t, WithSlotPercentage(20))
	progress := newProgressTracker(1)

	svc := NewPriorityService(0, cfg, progress)

	h1 := NewVHandle(0, nil)
	h2 := NewVHandle(0, nil)

	handles := []PriorityUpdateHandle{
		{Handle: h1, OrderKey: 1},
		{Handle: h2, OrderKey: 2},
	}

	// Simulate a worker racing ahead and passing the slot this attempt
	// will choose, right after the first handle is appended: we can't
	// hook mid-Init without modifying production code, so instead prove
	// the rollback behavior directly against MaxProgressPassed by
	// pre-advancing progress past where Init will land.
	lb := svc.lowerBound(handles)
	k := cfg.slotWidth()
	target := roundUpToSlot(lb, k, 0, 0)
	progress.Advance(0, target+1)

	_, err := svc.Init(handles)
	if err == nil {
		t.Fatal("expected admission to fail once progress has passed the chosen sid")
	}
	if _, ok := err.(*PriorityConflict); !ok {
		t.Fatalf("expected *PriorityConflict, got %T: %v", err, err)
	}

	v, ok := h1.ReadWithVersion(target+2, false)
	if !ok || v != Ignore {
		t.Fatalf("rolled-back handle should read as Ignore past the failed sid: got (%v,%v)", v, ok)
	}
}

func TestPriorityService_ProgressHelpers(t *testing.T) {
	pt := newProgressTracker(3)
	pt.Advance(0, MakeSID(0, 10, 0))
	pt.Advance(1, MakeSID(0, 50, 0))
	pt.Advance(2, MakeSID(0, 20, 0))

	if got := pt.GetMaxProgress(); got != MakeSID(0, 50, 0) {
		t.Fatalf("GetMaxProgress() = %s, want seq 50", got)
	}
	if got := pt.GetFastestCore(); got != 1 {
		t.Fatalf("GetFastestCore() = %d, want 1", got)
	}
	if !pt.MaxProgressPassed(MakeSID(0, 30, 0)) {
		t.Fatal("MaxProgressPassed(seq 30) should be true: core 1 is already at seq 50")
	}
	if pt.MaxProgressPassed(MakeSID(0, 60, 0)) {
		t.Fatal("MaxProgressPassed(seq 60) should be false: no core has reached it")
	}
}

func TestPriorityService_InitRequiresSortedHandles(t *testing.T) {
	cfg := priorityTestConfig(t, WithSlotPercentage(20))
	svc := NewPriorityService(0, cfg, newProgressTracker(1))

	handles := []PriorityUpdateHandle{
		{Handle: NewVHandle(0, nil), OrderKey: 2},
		{Handle: NewVHandle(0, nil), OrderKey: 1},
	}
	if _, err := svc.Init(handles); err == nil {
		t.Fatal("expected an error for an unsorted handle set")
	}
}

func TestPriorityService_InitWithoutSlotsConfiguredFails(t *testing.T) {
	cfg := priorityTestConfig(t)
	svc := NewPriorityService(0, cfg, newProgressTracker(1))
	if _, err := svc.Init(nil); err == nil {
		t.Fatal("expected an error when priority slots are not configured")
	}
}

func TestRoundUpToSlot(t *testing.T) {
	cases := []struct {
		lb   uint32
		k    uint32
		want uint32
	}{
		{0, 6, 6},
		{1, 6, 6},
		{6, 6, 6},
		{7, 6, 12},
		{5, 6, 6},
	}
	for _, c := range cases {
		got := roundUpToSlot(MakeSID(0, c.lb, 0), c.k, 0, 0).Sequence()
		if got != c.want {
			t.Fatalf("roundUpToSlot(seq=%d, k=%d) = %d, want %d", c.lb, c.k, got, c.want)
		}
	}
}
