package events

import (
	"log/slog"
	"testing"
)

func TestEmitInRegistrationOrder(t *testing.T) {
	e := New[int]("test")
	var order []string
	e.AddListener(func(int) { order = append(order, "first") })
	e.AddListener(func(int) { order = append(order, "second") })

	e.Emit(1)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected invocation order: %v", order)
	}
}

func TestRemoveListener(t *testing.T) {
	e := New[int]("test")
	var calls int
	id := e.AddListener(func(int) { calls++ })
	e.RemoveListener(id)

	e.Emit(1)

	if calls != 0 {
		t.Fatalf("removed listener was invoked %d times", calls)
	}
	if e.HasListeners() {
		t.Error("HasListeners should be false after removal")
	}
}

func TestPanickingListenerDoesNotBlockSiblings(t *testing.T) {
	e := New[int]("test", WithLogger[int](slog.Default()))
	var siblingCalled bool
	e.AddListener(func(int) { panic("boom") })
	e.AddListener(func(int) { siblingCalled = true })

	e.Emit(1)

	if !siblingCalled {
		t.Fatal("sibling listener must run even when an earlier listener panics")
	}
}

func TestPrimeNotifiesNewListenerOnly(t *testing.T) {
	e := New[string]("test", WithPrime[string](func(notify func(string)) {
		notify("open-page")
	}))

	var early []string
	e.AddListener(func(v string) { early = append(early, v) })

	var late []string
	e.AddListener(func(v string) { late = append(late, v) })

	if len(early) != 1 || early[0] != "open-page" {
		t.Fatalf("first listener should be primed once, got %v", early)
	}
	// Priming the second listener must not re-notify the first.
	if len(early) != 1 || len(late) != 1 {
		t.Fatalf("priming leaked across listeners: early=%v late=%v", early, late)
	}
}

func TestRemoveUnknownIDIsNoop(t *testing.T) {
	e := New[int]("test")
	e.RemoveListener(42)
}
