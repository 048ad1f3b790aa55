package felis

import (
	"context"
	"testing"
	"time"
)

func TestPromise_ThenChainFanOut(t *testing.T) {
	d := NewDispatcher(1)
	d.ArmCompletion(0)

	var results []int

	root := NewPromise(AnyCore, 0, nil, func(ctx context.Context, capture, input any) (any, error) {
		return 1, nil
	})
	root.Then(AnyCore, 0, nil, func(ctx context.Context, capture, input any) (any, error) {
		results = append(results, input.(int))
		return nil, nil
	})
	root.Then(AnyCore, 0, nil, func(ctx context.Context, capture, input any) (any, error) {
		results = append(results, input.(int)*10)
		return nil, nil
	})

	root.Complete(d, 0, nil)

	deadline := time.After(time.Second)
	for d.CompletionRemaining() != 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for completion counter to drain")
		default:
		}
		if r, ok := d.Peek(0, nil); ok {
			r.Promise.Execute(context.Background(), d, 0, r.Input)
		}
	}

	if len(results) != 2 {
		t.Fatalf("expected both fan-out children to run, got %v", results)
	}
}

func TestPromise_ResolveCoreDefaultsToProducer(t *testing.T) {
	p := NewPromise(AnyCore, 0, nil, nil)
	if got := p.resolveCore(3); got != 3 {
		t.Fatalf("resolveCore(3) = %d, want 3 for an AnyCore promise", got)
	}

	pinned := NewPromise(2, 0, nil, nil)
	if got := pinned.resolveCore(3); got != 2 {
		t.Fatalf("resolveCore(3) = %d, want 2 for a pinned promise", got)
	}
}

func TestPromise_IsLeaf(t *testing.T) {
	root := NewPromise(AnyCore, 0, nil, nil)
	if !root.IsLeaf() {
		t.Fatal("a fresh promise with no Then should be a leaf")
	}
	root.Then(AnyCore, 0, nil, nil)
	if root.IsLeaf() {
		t.Fatal("a promise with a successor should not be a leaf")
	}
}
