// Package client dispatches typed requests against the HTTP transport off the
// calling goroutine and reports exactly one terminal outcome per request.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"nimingban/internal/site"
	"nimingban/internal/transport"
)

// Callback receives the terminal outcome of a request. Exactly one of the
// three functions is called, exactly once. Nil functions are skipped.
type Callback struct {
	OnSuccess func(result any)
	OnFailure func(err error)
	OnCancel  func()
}

// Request describes one call. It must not be modified after Execute. A
// request can be submitted again once it has settled; resubmitting it while
// it is still pending is refused and gets no second callback.
type Request struct {
	Site     *site.Site
	Method   Method
	Params   any
	Callback Callback
	// Queue overrides the dispatcher's completion queue for this request.
	Queue Executor
}

// Performer is the raw HTTP capability the dispatcher runs requests on.
type Performer interface {
	Perform(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error)
}

type Option func(*Dispatcher)

// WithMaxConcurrent bounds the number of requests performed at once.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithQueue sets the default completion queue.
func WithQueue(q Executor) Option {
	return func(d *Dispatcher) { d.queue = q }
}

type task struct {
	req     *Request
	ctx     context.Context
	cancel  context.CancelFunc
	settled atomic.Bool
}

type Dispatcher struct {
	perf     Performer
	sem      *semaphore.Weighted
	queue    Executor
	ownQueue *Queue

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	tasks  map[*Request]*task
	closed bool

	log zerolog.Logger
}

func New(perf Performer, opts ...Option) *Dispatcher {
	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		perf:  perf,
		sem:   semaphore.NewWeighted(8),
		ctx:   ctx,
		stop:  stop,
		tasks: map[*Request]*task{},
		log:   log.With().Str("component", "client").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.queue == nil {
		d.ownQueue = NewQueue()
		d.queue = d.ownQueue
	}
	return d
}

// Execute schedules req and returns immediately. Its callback never runs
// before Execute returns. It reports false, and schedules nothing, when req
// is still pending from an earlier Execute.
func (d *Dispatcher) Execute(req *Request) bool {
	d.mu.Lock()
	if _, dup := d.tasks[req]; dup {
		d.mu.Unlock()
		d.log.Warn().Str("method", methodName(req.Method)).Msg("Request already pending")
		return false
	}
	ctx, cancel := context.WithCancel(d.ctx)
	t := &task{req: req, ctx: ctx, cancel: cancel}
	d.tasks[req] = t
	if d.closed {
		d.mu.Unlock()
		go d.settle(t, nil, ErrCancelled)
		return true
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(t)
	return true
}

// Cancel stops req. A request still queued settles as cancelled at once; a
// request in flight has its HTTP call aborted and reports OnCancel whatever
// the call returns. Cancelling a settled or unknown request does nothing.
func (d *Dispatcher) Cancel(req *Request) {
	d.mu.Lock()
	t := d.tasks[req]
	d.mu.Unlock()
	if t == nil {
		return
	}
	d.settle(t, nil, ErrCancelled)
}

// Pending returns the number of requests not yet settled.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Close cancels everything outstanding, waits for workers and drains the
// default queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := make([]*task, 0, len(d.tasks))
	for _, t := range d.tasks {
		pending = append(pending, t)
	}
	d.mu.Unlock()

	for _, t := range pending {
		d.settle(t, nil, ErrCancelled)
	}
	d.stop()
	d.wg.Wait()
	if d.ownQueue != nil {
		d.ownQueue.Close()
	}
}

func (d *Dispatcher) run(t *task) {
	defer d.wg.Done()

	if err := d.sem.Acquire(t.ctx, 1); err != nil {
		d.settle(t, nil, ErrCancelled)
		return
	}
	defer d.sem.Release(1)

	if t.settled.Load() {
		return
	}
	result, err := d.perform(t)
	if err != nil && t.ctx.Err() != nil {
		err = ErrCancelled
	}
	d.settle(t, result, err)
}

func (d *Dispatcher) perform(t *task) (result any, err error) {
	m := t.req.Method
	if m == nil {
		return nil, fmt.Errorf("%w: no method", ErrInvalidParams)
	}
	call, err := m.Build(t.ctx, t.req.Site, t.req.Params)
	if err != nil {
		return nil, err
	}
	resp, err := d.perf.Perform(t.ctx, call.Method, call.URL, call.Header, call.Body)
	if err != nil {
		return nil, &TransportError{Method: m.Name(), URL: call.URL, Err: err}
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &TransportError{Method: m.Name(), URL: call.URL, Status: resp.Status, Err: ErrStatus}
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &DecodeError{Method: m.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	v, err := m.Decode(resp)
	if err != nil {
		return nil, &DecodeError{Method: m.Name(), Err: err}
	}
	return v, nil
}

// settle delivers the terminal outcome. The first caller wins; later ones
// are dropped.
func (d *Dispatcher) settle(t *task, result any, err error) {
	if !t.settled.CompareAndSwap(false, true) {
		return
	}
	t.cancel()
	d.mu.Lock()
	delete(d.tasks, t.req)
	d.mu.Unlock()

	cb := t.req.Callback
	name := methodName(t.req.Method)
	var fn func()
	switch {
	case errors.Is(err, ErrCancelled):
		d.log.Trace().Str("method", name).Msg("Request cancelled")
		fn = func() {
			if cb.OnCancel != nil {
				cb.OnCancel()
			}
		}
	case err != nil:
		d.log.Debug().Err(err).Str("method", name).Msg("Request failed")
		fn = func() {
			if cb.OnFailure != nil {
				cb.OnFailure(err)
			}
		}
	default:
		fn = func() {
			if cb.OnSuccess != nil {
				cb.OnSuccess(result)
			}
		}
	}

	q := t.req.Queue
	if q == nil {
		q = d.queue
	}
	q.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Interface("panic", r).Str("method", name).Msg("Panic in request callback")
			}
		}()
		fn()
	})
}

func methodName(m Method) string {
	if m == nil {
		return "<nil>"
	}
	return m.Name()
}
