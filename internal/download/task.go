package download

import (
	"context"
	"sync"

	"github.com/nvandessel/simcore/internal/bundle"
)

// Task is one caller's handle on an asset download.
type Task struct {
	category bundle.Category
	id       string
	label    string
	sink     ProgressFunc

	mu   sync.Mutex
	last float64
	path string
	err  error
	done chan struct{}
}

func newTask(category bundle.Category, id, label string, sink ProgressFunc) *Task {
	return &Task{
		category: category,
		id:       id,
		label:    label,
		sink:     sink,
		done:     make(chan struct{}),
	}
}

// ID returns the asset identity.
func (t *Task) ID() string { return t.id }

// Category returns the asset category.
func (t *Task) Category() bundle.Category { return t.category }

// Done is closed once the task has a result.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task resolves or ctx is done.
func (t *Task) Wait(ctx context.Context) (string, error) {
	select {
	case <-t.done:
		return t.path, t.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *Task) Result() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path, t.err
}

// report forwards an in-flight fraction. Values that would move progress
// backwards, or reach 1.0 before the task completes, are dropped.
func (t *Task) report(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fraction >= 1 || fraction <= t.last {
		return
	}
	t.last = fraction
	if t.sink != nil {
		t.sink(t.label, fraction)
	}
}

func (t *Task) finish(path string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	if err == nil {
		t.last = 1
		if t.sink != nil {
			t.sink(t.label, 1)
		}
	}
	t.path = path
	t.err = err
	close(t.done)
}
