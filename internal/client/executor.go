package client

import "sync"

// Executor runs terminal callbacks. It decides which goroutine a callback
// lands on.
type Executor interface {
	Post(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Post(fn func()) { f(fn) }

// Direct runs callbacks on the goroutine that settles the request. Callbacks
// posted to it must not block.
var Direct Executor = ExecutorFunc(func(fn func()) { fn() })

// Go runs every callback on a goroutine of its own.
var Go Executor = ExecutorFunc(func(fn func()) { go fn() })

// Queue runs callbacks one at a time, in posting order, on a single
// goroutine. Post never blocks; after Close, posted callbacks run on
// goroutines of their own.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		go fn()
		return
	}
	q.pending = append(q.pending, fn)
	q.cond.Signal()
}

// Close runs what is already queued and stops the loop.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
