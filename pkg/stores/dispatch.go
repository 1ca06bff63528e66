package stores

import "sync"

// dispatcher executes tasks strictly one at a time in submission order on
// a single goroutine. Stores run every operation, and therefore every
// completion callback, through a dispatcher: that is what guarantees
// callbacks never fire on the caller's stack and that per-store operations
// are serialized.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			close(d.done)
			return
		}
		task := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		task()
	}
}

// enqueue schedules a task. It reports false when the dispatcher is
// closed and the task was not accepted.
func (d *dispatcher) enqueue(task func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, task)
	d.cond.Signal()
	d.mu.Unlock()
	return true
}

// close drains the queue, stops the loop and waits for it to exit. Tasks
// already accepted still run; their callbacks fire before close returns.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}
