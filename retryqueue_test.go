package habitkit

import (
	"context"
	"errors"
	"testing"
)

func TestQueueDrainsInOrder(t *testing.T) {
	q := NewRetryQueue(QueueConfig{})

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(&QueuedOp{Entity: "coins", Key: name, Run: func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}})
	}

	result := q.Drain(context.Background())
	if result.Executed != 3 || result.Remaining != 0 {
		t.Fatalf("expected 3 executed, got %+v", result)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected FIFO order a,b,c; got %v", order)
	}
}

func TestQueueHaltsAndRequeuesOnFailure(t *testing.T) {
	q := NewRetryQueue(QueueConfig{})
	boom := errors.New("boom")

	var ran []string
	q.Enqueue(&QueuedOp{Key: "ok", Run: func(ctx context.Context) error {
		ran = append(ran, "ok")
		return nil
	}})
	q.Enqueue(&QueuedOp{Key: "fail", Run: func(ctx context.Context) error {
		ran = append(ran, "fail")
		return boom
	}})
	q.Enqueue(&QueuedOp{Key: "never", Run: func(ctx context.Context) error {
		ran = append(ran, "never")
		return nil
	}})

	result := q.Drain(context.Background())
	if result.Executed != 1 {
		t.Errorf("expected 1 executed, got %d", result.Executed)
	}
	if result.Remaining != 2 {
		t.Errorf("expected 2 remaining, got %d", result.Remaining)
	}
	if !errors.Is(result.LastErr, boom) {
		t.Errorf("expected drain error %v, got %v", boom, result.LastErr)
	}
	if len(ran) != 2 || ran[1] != "fail" {
		t.Errorf("later ops must not run after a failure, ran %v", ran)
	}

	// The failed op stays at the head so a later drain preserves order.
	pending := q.Pending()
	if len(pending) != 2 || pending[0].Key != "fail" || pending[1].Key != "never" {
		t.Errorf("expected fail,never at head; got %+v", pending)
	}
	if pending[0].Attempts != 1 {
		t.Errorf("expected 1 attempt recorded, got %d", pending[0].Attempts)
	}
}

func TestQueueDrainStopsOnContextCancel(t *testing.T) {
	q := NewRetryQueue(QueueConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	q.Enqueue(&QueuedOp{Key: "first", Run: func(ctx context.Context) error {
		cancel()
		return nil
	}})
	q.Enqueue(&QueuedOp{Key: "second", Run: func(ctx context.Context) error {
		t.Error("second op must not run after cancellation")
		return nil
	}})

	result := q.Drain(ctx)
	if result.Executed != 1 {
		t.Errorf("expected 1 executed before cancel, got %d", result.Executed)
	}
	if result.Remaining != 1 {
		t.Errorf("expected 1 remaining, got %d", result.Remaining)
	}
}

func TestQueueBoundedDropsOldest(t *testing.T) {
	q := NewRetryQueue(QueueConfig{MaxSize: 2})

	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(&QueuedOp{Key: name, Run: func(ctx context.Context) error { return nil }})
	}

	pending := q.Pending()
	if len(pending) != 2 || pending[0].Key != "b" || pending[1].Key != "c" {
		t.Errorf("expected oldest dropped, got %+v", pending)
	}
	stats := q.Stats()
	if stats.Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", stats.Dropped)
	}
}

func TestQueueClear(t *testing.T) {
	q := NewRetryQueue(QueueConfig{})
	q.Enqueue(&QueuedOp{Key: "a", Run: func(ctx context.Context) error { return nil }})
	q.Enqueue(&QueuedOp{Key: "b", Run: func(ctx context.Context) error { return nil }})

	if got := q.Clear(); got != 2 {
		t.Errorf("expected Clear to report 2, got %d", got)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after Clear, got %d", q.Len())
	}
}
