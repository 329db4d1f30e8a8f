package pipeline

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// task is the unit of work a Pool runs: a thunk that produces the settled
// stage result.
type task func(ctx context.Context) (*WorkItem, error)

// execResult is what a Pool reports back to the controller once a task
// settles.
type execResult struct {
	execID uint64
	item   *WorkItem
	err    error
}

// Pool is a sized worker pool modeled on the teacher's DynamicWorkerPool
// token-bucket pattern (Chapter07/pipeline/stage.go): a buffered channel
// of tokens caps concurrency. Each submitted task gets its own goroutine
// at once, and that goroutine waits for a token before running the task.
// Unlike that teacher stage, a Pool here runs
// one-shot tasks to completion and reports results on a shared events
// channel rather than forwarding payloads to a next stage's channel.
//
// A Pool stands in for one of the spec's subprocess pools or its thread
// pool; see DESIGN.md for why a genuine OS-process pool isn't the
// idiomatic Go translation here.
type Pool struct {
	name   string
	tokens chan struct{} // nil means unbounded
	wg     sync.WaitGroup
	log    *logrus.Entry

	initOnce  sync.Once
	initFn    func(args ...interface{}) error
	initArgs  []interface{}
	initErrMu sync.Mutex
	initErr   error
	slotsInit map[int]bool
	slotsMu   sync.Mutex
	nextSlot  int
}

// NewPool returns a Pool with the given name and capacity. A capacity of
// 0 means unbounded (matching the thread executor's "unbounded-thread
// pool" description in spec §4.4).
func NewPool(name string, capacity int, log *logrus.Entry, initFn func(args ...interface{}) error, initArgs []interface{}) *Pool {
	p := &Pool{
		name:      name,
		log:       log.WithField("pool", name),
		initFn:    initFn,
		initArgs:  initArgs,
		slotsInit: map[int]bool{},
	}
	if capacity > 0 {
		p.tokens = make(chan struct{}, capacity)
		for i := 0; i < capacity; i++ {
			p.tokens <- struct{}{}
		}
	}
	return p
}

// Submit runs fn on the pool, reporting its outcome as an execResult with
// the given execID on events once it settles. Submit itself never blocks:
// the capacity token is acquired by the task's own goroutine.
func (p *Pool) Submit(ctx context.Context, execID uint64, fn task, events chan<- execResult) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if p.tokens != nil {
			select {
			case tok := <-p.tokens:
				defer func() { p.tokens <- tok }()
			case <-ctx.Done():
				events <- execResult{execID: execID, err: ctx.Err()}
				return
			}
		}

		slot := p.acquireSlot()
		if err := p.ensureInit(slot); err != nil {
			events <- execResult{execID: execID, err: err}
			return
		}

		item, err := func() (result *WorkItem, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = p.panicErr(r)
				}
			}()
			return fn(ctx)
		}()
		events <- execResult{execID: execID, item: item, err: err}
	}()
}

func (p *Pool) acquireSlot() int {
	if p.tokens == nil {
		// Unbounded pool: every task gets its own logical slot so the
		// init hook still runs once "per worker", matching the
		// semantics of an unbounded thread pool where each goroutine
		// is its own worker.
		p.slotsMu.Lock()
		s := p.nextSlot
		p.nextSlot++
		p.slotsMu.Unlock()
		return s
	}
	// Bounded pool: slot identity doesn't matter for correctness here
	// (init is idempotent per process in the source system); collapse
	// to a single shared slot guarded by initOnce.
	return -1
}

func (p *Pool) ensureInit(slot int) error {
	if p.initFn == nil {
		return nil
	}
	if p.tokens == nil {
		p.slotsMu.Lock()
		done := p.slotsInit[slot]
		p.slotsInit[slot] = true
		p.slotsMu.Unlock()
		if done {
			return nil
		}
		if err := p.initFn(p.initArgs...); err != nil {
			p.log.WithError(err).Error("process initializer failed")
			return err
		}
		return nil
	}

	var err error
	p.initOnce.Do(func() {
		err = p.initFn(p.initArgs...)
		p.initErrMu.Lock()
		p.initErr = err
		p.initErrMu.Unlock()
	})
	p.initErrMu.Lock()
	defer p.initErrMu.Unlock()
	return p.initErr
}

func (p *Pool) panicErr(r interface{}) error {
	p.log.WithField("recovered", r).Error("worker panicked")
	return &panicError{recovered: r}
}

// Shutdown waits for every in-flight task on the pool to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type panicError struct{ recovered interface{} }

func (e *panicError) Error() string { return "pipeline: worker panicked" }

// Executors bundles the three pools the controller dispatches to.
type Executors struct {
	Thread    *Pool
	Primary   *Pool
	Secondary *Pool
}

// NewExecutors builds the three pools. If maxSimultaneous is > 0 each
// subprocess pool is sized to maxSimultaneous+2 (spec §4.4: "accommodates
// transient overlap between stages of different items"); the thread pool
// stays unbounded regardless, matching spec's "unbounded-thread pool".
// processInit/processInitArgs are forwarded unexamined to the two
// subprocess pools. Both are bounded when maxSimultaneous > 0, and a
// bounded pool runs processInit once for the whole pool, not once per
// unit of capacity; otherwise they are unbounded and processInit runs
// before every task.
func NewExecutors(name string, maxSimultaneous int, log *logrus.Entry, processInit func(args ...interface{}) error, processInitArgs []interface{}) *Executors {
	procCap := 0
	if maxSimultaneous > 0 {
		procCap = maxSimultaneous + 2
	}
	return &Executors{
		Thread:    NewPool(name+"-thread", 0, log, nil, nil),
		Primary:   NewPool(name+"-primary", procCap, log, processInit, processInitArgs),
		Secondary: NewPool(name+"-secondary", procCap, log, processInit, processInitArgs),
	}
}

// Shutdown shuts down all three pools, aggregating any errors.
func (e *Executors) Shutdown(ctx context.Context) error {
	var mErr *multierror.Error
	for _, p := range []*Pool{e.Thread, e.Primary, e.Secondary} {
		if err := p.Shutdown(ctx); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	return mErr.ErrorOrNil()
}
