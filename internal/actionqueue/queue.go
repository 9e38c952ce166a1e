// Package actionqueue hands work from background goroutines to the single
// goroutine that owns scene and lifecycle state.
//
// Producers call Enqueue from anywhere. The owner calls Drain once per host
// tick; actions run synchronously on the owner's goroutine in FIFO order.
package actionqueue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nvandessel/simcore/internal/logging"
)

// Action is a deferred operation executed on the owning goroutine.
type Action func()

type entry struct {
	name string
	fn   Action
}

// Queue is a multi-producer, single-consumer queue of actions.
// It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending []entry
	logger  *slog.Logger
}

// New creates an empty queue. A nil logger discards action failures.
func New(logger *slog.Logger) *Queue {
	return &Queue{logger: logging.OrDiscard(logger)}
}

// Enqueue appends an action. The name only appears in logs.
func (q *Queue) Enqueue(name string, fn Action) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, entry{name: name, fn: fn})
	q.mu.Unlock()
}

// Len returns the number of actions waiting for the next drain.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain runs every action queued before the call, in order, and returns how
// many ran. Actions enqueued while draining wait for the next Drain. A
// panicking action is logged and does not stop the rest.
func (q *Queue) Drain() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range batch {
		q.run(e)
	}
	return len(batch)
}

func (q *Queue) run(e entry) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("action failed",
				"action", e.name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	q.logger.Log(context.Background(), logging.LevelTrace, "running action", "action", e.name)
	e.fn()
}

// Run drives a host loop: every interval it calls tick, until ctx is done.
// tick normally drains the queue plus whatever per-frame work the host has.
func Run(ctx context.Context, interval time.Duration, tick func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}
