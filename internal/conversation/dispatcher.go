package conversation

import (
	"context"
	"errors"
	"sync"
)

const defaultQueueSize = 256

// ErrDispatcherClosed is returned by Do after Close
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher runs posted functions one at a time, in post order, on the
// goroutine that calls Run. All conversation state is mutated there.
type Dispatcher struct {
	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher with room for size pending functions
func NewDispatcher(size int) *Dispatcher {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Run executes posted functions until ctx is cancelled or Close is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return nil
		case fn := <-d.queue:
			fn()
		}
	}
}

// Post queues fn. It blocks while the queue is full and reports false once
// the dispatcher is closed.
func (d *Dispatcher) Post(fn func()) bool {
	select {
	case <-d.done:
		return false
	default:
	}

	select {
	case <-d.done:
		return false
	case d.queue <- fn:
		return true
	}
}

// PostContext is Post that also gives up when ctx is done.
func (d *Dispatcher) PostContext(ctx context.Context, fn func()) bool {
	select {
	case <-d.done:
		return false
	case <-ctx.Done():
		return false
	case d.queue <- fn:
		return true
	}
}

// Do runs fn on the dispatcher and waits for it to finish, bounded by ctx.
// It must not be called from a function running on the dispatcher, which
// would wait on itself until ctx ends.
func (d *Dispatcher) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !d.PostContext(ctx, func() {
		defer close(finished)
		fn()
	}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrDispatcherClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDispatcherClosed
	}
}

// Close stops Run. Pending functions are dropped.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}
