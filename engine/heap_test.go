package engine

import (
	"testing"
	"time"
)

func TestQueueOrdersByPriorityThenTimeThenSeq(t *testing.T) {
	q := newReadyQueue()
	now := time.Now()

	q.push("low", 0, now)
	q.push("critical-late", 3, now.Add(time.Second))
	q.push("critical-early", 3, now)
	q.push("medium", 1, now)

	want := []string{"critical-early", "critical-late", "medium", "low"}
	for _, expected := range want {
		item := q.pop()
		if item == nil {
			t.Fatalf("queue exhausted, wanted %s", expected)
		}
		if item.executionID != expected {
			t.Errorf("pop order: got %s, want %s", item.executionID, expected)
		}
	}
}

func TestQueueFIFOWithinEqualPriorityAndTime(t *testing.T) {
	q := newReadyQueue()
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		q.push(id, 2, now)
	}

	for _, expected := range []string{"a", "b", "c"} {
		if got := q.pop().executionID; got != expected {
			t.Errorf("got %s, want %s", got, expected)
		}
	}
}

func TestQueueRejectsDuplicates(t *testing.T) {
	q := newReadyQueue()
	now := time.Now()

	if !q.push("a", 1, now) {
		t.Fatal("first push must succeed")
	}
	if q.push("a", 3, now) {
		t.Error("second push of the same execution must be refused")
	}
	if q.len() != 1 {
		t.Errorf("queue length = %d, want 1", q.len())
	}
}

func TestQueueRemove(t *testing.T) {
	q := newReadyQueue()
	now := time.Now()

	q.push("a", 1, now)
	q.push("b", 2, now)
	q.push("c", 3, now)

	if !q.remove("b") {
		t.Fatal("remove of queued execution must succeed")
	}
	if q.remove("b") {
		t.Error("second remove must report absence")
	}

	if got := q.pop().executionID; got != "c" {
		t.Errorf("got %s, want c", got)
	}
	if got := q.pop().executionID; got != "a" {
		t.Errorf("got %s, want a", got)
	}
}

func TestQueuePromoteMovesReadyTimeEarlier(t *testing.T) {
	q := newReadyQueue()
	now := time.Now()

	q.push("later", 1, now.Add(time.Hour))
	q.push("sooner", 1, now)

	if !q.promote("later", now.Add(-time.Second)) {
		t.Fatal("promote of queued execution must succeed")
	}
	if q.promote("unknown", now) {
		t.Error("promote of unknown execution must report absence")
	}

	if got := q.pop().executionID; got != "later" {
		t.Errorf("promoted item should pop first, got %s", got)
	}
}

func TestQueueRestoreKeepsSeq(t *testing.T) {
	q := newReadyQueue()
	now := time.Now()

	q.push("a", 1, now)
	q.push("b", 1, now)

	first := q.pop()
	q.push("c", 1, now)
	q.restore(first)

	// a keeps its original insertion order ahead of b and c.
	for _, expected := range []string{"a", "b", "c"} {
		if got := q.pop().executionID; got != expected {
			t.Errorf("got %s, want %s", got, expected)
		}
	}
}
