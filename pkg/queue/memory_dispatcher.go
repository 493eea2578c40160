package queue

import (
	"context"
	"sync"

	"recordkeeper/pkg/domain"
)

// MemoryDispatcher is a bounded in-process queue drained by worker goroutines.
type MemoryDispatcher struct {
	jobs    chan domain.Notification
	workers int

	mu      sync.Mutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// MemoryDispatcherConfig sizes the queue and the worker pool.
type MemoryDispatcherConfig struct {
	QueueSize int
	Workers   int
}

// NewMemoryDispatcher creates a dispatcher; call Start to begin delivery.
func NewMemoryDispatcher(cfg MemoryDispatcherConfig) *MemoryDispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &MemoryDispatcher{
		jobs:    make(chan domain.Notification, size),
		workers: workers,
	}
}

// Submit enqueues without blocking. A full buffer yields ErrQueueFull.
func (d *MemoryDispatcher) Submit(_ context.Context, recipient, message string) (domain.Notification, error) {
	n, err := newNotification(recipient, message)
	if err != nil {
		return domain.Notification{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.Notification{}, ErrDispatcherClosed
	}
	select {
	case d.jobs <- n:
		return n, nil
	default:
		return domain.Notification{}, ErrQueueFull
	}
}

// Start launches the workers. Later calls are no-ops.
func (d *MemoryDispatcher) Start(ctx context.Context, deliverer Deliverer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, deliverer)
	}
}

func (d *MemoryDispatcher) work(ctx context.Context, deliverer Deliverer) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-d.jobs:
			if !ok {
				return
			}
			_ = deliver(ctx, deliverer, n)
		}
	}
}

// Close stops accepting work, lets workers finish queued notifications
// and waits for them. Workers are cut short only when the Start context ends.
func (d *MemoryDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// Abort stops workers immediately, abandoning anything still queued.
func (d *MemoryDispatcher) Abort() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = d.Close()
}

// Pending reports how many notifications wait for a worker.
func (d *MemoryDispatcher) Pending() int {
	return len(d.jobs)
}
