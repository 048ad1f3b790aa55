package felis

import (
	"sync"
	"testing"
	"time"
)

// TestSpinner_PendingWait matches scenario 2: a reader blocked on a
// Pending slot completes strictly after the writer publishes.
func TestSpinner_PendingWait(t *testing.T) {
	spinner := NewSpinner(2)
	h := NewVHandle(0, spinner)

	s1 := MakeSID(0, 10, 0)
	s2 := MakeSID(0, 20, 0)

	if err := h.AppendNewVersion(s1); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	order := make([]string, 0, 2)
	record := func(label string) {
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}

	readDone := make(chan struct{})
	go func() {
		v, ok := h.ReadWithVersion(s2, false)
		if !ok || v != 42 {
			t.Errorf("ReadWithVersion = (%v, %v), want (42, true)", v, ok)
		}
		record("read")
		close(readDone)
	}()

	time.Sleep(20 * time.Millisecond)
	record("write")
	if err := h.WriteWithVersion(s1, 42); err != nil {
		t.Fatal(err)
	}

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read never completed after write")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "write" || order[1] != "read" {
		t.Fatalf("order = %v, want [write read]", order)
	}
}

func TestSpinner_NotifyWakesOnlyWaitingCores(t *testing.T) {
	spinner := NewSpinner(4)
	h := NewVHandle(0, spinner)
	sid := MakeSID(0, 1, 0)
	if err := h.AppendNewVersion(sid); err != nil {
		t.Fatal(err)
	}

	// Notify with nobody waiting should be a no-op, not a panic.
	spinner.Notify(h, 0)

	done := make(chan struct{})
	go func() {
		spinner.WaitForDataOnCore(1, h, 0, sid)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := h.WriteWithVersion(sid, 7); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never observed the published value")
	}

	for _, core := range []int{0, 2, 3} {
		if spinner.cores[core].done.Load() {
			t.Fatalf("core %d was never waiting but its done flag was set", core)
		}
	}
}
