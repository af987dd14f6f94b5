// Package workerpool schedules user-supplied functions onto a fixed set
// of worker goroutines. The queue is an mpmc.Channel: function identity
// is not portable across threads, so following spec.md §9 the pool ships
// only an id through shared memory and resolves it in a process-local
// registry on the worker side.
package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/alephrt/shmrt/mpmc"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("workerpool: pool closed")

// Pool runs submitted functions on a fixed number of workers. Submit
// blocks while the queue ring is full, providing backpressure.
type Pool struct {
	sender *mpmc.Sender
	group  *errgroup.Group

	mu     sync.Mutex
	closed bool

	tasks  sync.Map // id -> func()
	nextID int64
}

// New starts a pool of workers goroutines with a task queue of the given
// capacity.
func New(workers int, queueCapacity int32) (*Pool, error) {
	if workers <= 0 {
		return nil, errors.New("workerpool: need at least one worker")
	}
	tx, rx, err := mpmc.New(queueCapacity)
	if err != nil {
		return nil, err
	}
	p := &Pool{sender: tx, group: new(errgroup.Group)}
	for i := 0; i < workers; i++ {
		recv, err := rx.Clone()
		if err != nil {
			return nil, err
		}
		p.group.Go(func() error { return p.run(recv) })
	}
	// Workers hold their own clones; dropping the construction handle
	// leaves rx_count equal to the worker count.
	rx.Dispose()
	return p, nil
}

func (p *Pool) run(rx *mpmc.Receiver) error {
	defer rx.Dispose()
	return rx.Range(func(v any) bool {
		id := int64(v.(float64))
		fn, ok := p.tasks.LoadAndDelete(id)
		if ok {
			fn.(func())()
		}
		return true
	})
}

// Submit queues fn for execution, blocking while the queue is full.
func (p *Pool) Submit(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	id := atomic.AddInt64(&p.nextID, 1)
	p.tasks.Store(id, fn)
	if err := p.sender.SendBlocking(float64(id)); err != nil {
		p.tasks.Delete(id)
		return err
	}
	return nil
}

// Close stops accepting work, lets the workers drain the queue, and
// waits for them to exit. Disposing the pool's only sender auto-closes
// the queue channel, which is what terminates each worker's Range loop.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.group.Wait()
	}
	p.closed = true
	p.mu.Unlock()

	p.sender.Dispose()
	return p.group.Wait()
}
