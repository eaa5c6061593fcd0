package habitkit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueConfig configures the retry queue.
type QueueConfig struct {
	// MaxSize bounds the number of queued operations. When full, enqueue
	// drops the oldest operation and records it in Stats. 0 means
	// unbounded.
	MaxSize int `yaml:"max_size"`
}

// DefaultQueueConfig returns an unbounded queue, matching set-semantics
// replay where the last queued write for a key wins anyway.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxSize: 0}
}

// QueuedOp is one deferred remote write awaiting connectivity. The closure
// captures its own remote call; replaying it is equivalent to re-issuing
// the original write.
type QueuedOp struct {
	ID         string
	Entity     string
	Key        string
	EnqueuedAt time.Time
	Attempts   int
	Run        func(ctx context.Context) error
}

// RetryQueueStats summarizes queue activity.
type RetryQueueStats struct {
	Length   int   `json:"length"`
	Enqueued int64 `json:"enqueued"`
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
}

// RetryQueue holds deferred remote writes in FIFO order and drains them
// sequentially once connectivity returns. Contents live in process memory
// only and are lost on termination; durability of the data itself comes
// from the local store, not the queue.
type RetryQueue struct {
	config QueueConfig
	ops    []*QueuedOp
	mu     sync.Mutex

	// drainMu serializes drains so at most one operation is in flight.
	drainMu sync.Mutex

	enqueued int64
	executed int64
	failed   int64
	dropped  int64
}

// NewRetryQueue creates a retry queue.
func NewRetryQueue(config QueueConfig) *RetryQueue {
	return &RetryQueue{config: config}
}

// Enqueue appends an operation to the tail. When the queue is bounded and
// full, the oldest operation is dropped to make room. There is no
// deduplication: two writes of the same entity queued while offline are
// both replayed in order, and the last one wins at the remote store.
func (q *RetryQueue) Enqueue(op *QueuedOp) {
	if op == nil || op.Run == nil {
		return
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.MaxSize > 0 && len(q.ops) >= q.config.MaxSize {
		q.ops = q.ops[1:]
		q.dropped++
	}
	q.ops = append(q.ops, op)
	q.enqueued++
}

// Len returns the number of queued operations.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// DrainResult reports the outcome of one drain cycle.
type DrainResult struct {
	Executed  int
	Remaining int
	// LastErr is the failure that halted the drain, nil if the queue was
	// emptied.
	LastErr error
}

// Drain executes queued operations head-first until the queue is empty or
// an operation fails. A failed operation is re-inserted at the head and
// draining stops for this cycle, preserving order and avoiding a hot
// failure loop. Operations run one at a time.
func (q *RetryQueue) Drain(ctx context.Context) DrainResult {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var result DrainResult
	for {
		if err := ctx.Err(); err != nil {
			result.LastErr = err
			break
		}

		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			break
		}
		head := q.ops[0]
		q.ops = q.ops[1:]
		q.mu.Unlock()

		head.Attempts++
		if err := head.Run(ctx); err != nil {
			q.mu.Lock()
			q.ops = append([]*QueuedOp{head}, q.ops...)
			q.failed++
			q.mu.Unlock()
			result.LastErr = err
			break
		}

		q.mu.Lock()
		q.executed++
		q.mu.Unlock()
		result.Executed++
	}

	result.Remaining = q.Len()
	return result
}

// Clear discards all queued operations and returns how many were dropped.
func (q *RetryQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.ops)
	q.ops = nil
	q.dropped += int64(n)
	return n
}

// Pending returns a snapshot of queued operation metadata, oldest first.
func (q *RetryQueue) Pending() []QueuedOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedOp, len(q.ops))
	for i, op := range q.ops {
		out[i] = *op
	}
	return out
}

// Stats returns current queue statistics.
func (q *RetryQueue) Stats() RetryQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return RetryQueueStats{
		Length:   len(q.ops),
		Enqueued: q.enqueued,
		Executed: q.executed,
		Failed:   q.failed,
		Dropped:  q.dropped,
	}
}
