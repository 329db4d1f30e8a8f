// Package pipeline dispatches work items across a fixed, ordered sequence
// of stages, each running on an in-process thread pool or one of two
// subprocess pools, with adjacent stages optionally paired over a
// unidirectional byte channel for the joint duration of both.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Handle is the future-like completion handle returned by Submit. It
// completes exactly once, when the work item has either cleared the last
// stage or failed.
type Handle struct {
	done chan struct{}
	mu   sync.Mutex
	item *WorkItem
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(item *WorkItem, err error) {
	h.mu.Lock()
	h.item, h.err = item, err
	h.mu.Unlock()
	close(h.done)
}

// Done returns a channel closed once the handle settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsDone reports whether the handle has settled, without blocking.
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the handle settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result blocks until the handle settles, then returns the finalized work
// item, or raises the first accumulated failure. The full failure list
// remains readable on the returned item via Failures().
func (h *Handle) Result() (*WorkItem, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.item, h.err
}

// Err returns the handle's error, if any. Only meaningful after the
// handle has settled.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// execContext records, for one in-flight stage execution, everything the
// controller needs once that execution settles.
type execContext struct {
	execID     uint64
	stageIndex int
	item       *WorkItem
	endpoint   PairedEndpoint
}

// registryEntry is what Submit stores per tracked item: the handle the
// caller is waiting on, and a submission timestamp for latency metrics.
type registryEntry struct {
	handle *Handle
	start  time.Time
}

// submission is what's placed on the controller's submission queue. A nil
// submission is the shutdown sentinel.
type submission struct {
	item *WorkItem
}

// submissionQueue is the single cross-goroutine entry point into the
// controller, guarded by its own lock per spec §5. notify is a
// capacity-1 channel that stands in for the spec's "submission-queue
// sentinel handle": completed (sent to) whenever the queue becomes
// non-empty. The controller's main select statement waits on notify and
// on its executors' completion-event channel at once — exactly the
// "wait on a set of handles" unification the design note in spec §9
// describes, expressed directly via Go's select instead of a constructed
// sentinel object.
type submissionQueue struct {
	mu     sync.Mutex
	q      []*submission
	notify chan struct{}
}

func newSubmissionQueue() *submissionQueue {
	return &submissionQueue{notify: make(chan struct{}, 1)}
}

func (s *submissionQueue) push(sub *submission) {
	s.mu.Lock()
	s.q = append(s.q, sub)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *submissionQueue) pop() (*submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.q) == 0 {
		return nil, false
	}
	sub := s.q[0]
	s.q = s.q[1:]
	return sub, true
}

// Pipeline is the caller-facing handle on a running work-item pipeline:
// spec §6's Caller API. It owns the scheduling loop described in spec
// §4.5.
type Pipeline struct {
	name    string
	stages  []*Stage
	started bool

	maxSimultaneous int
	processInit     func(args ...interface{}) error
	processInitArgs []interface{}

	log       *logrus.Entry
	metrics   *Metrics
	executors *Executors

	queue  *submissionQueue
	events chan execResult

	reg struct {
		mu           sync.Mutex
		cond         *sync.Cond
		items        map[*WorkItem]*registryEntry
		shuttingDown bool
	}

	// The four fields below are owned exclusively by the controller
	// goroutine once Start has been called; no lock is needed for them.
	outstanding map[uint64]*execContext
	perItem     map[*WorkItem][]uint64
	pending     map[*WorkItem][]pendingCompletion
	execSeq     uint64

	startOnce sync.Once
	loopDone  chan struct{}

	gracefulMu sync.RWMutex
	graceful   bool

	anomalyMu sync.Mutex
	anomalies []Anomaly
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithMaxSimultaneous sizes each subprocess pool to n+2 (spec §4.4). It
// does not limit how many items Submit admits; the thread pool stays
// unbounded.
func WithMaxSimultaneous(n int) Option {
	return func(p *Pipeline) { p.maxSimultaneous = n }
}

// WithProcessInit registers an initializer forwarded, opaque, to the two
// subprocess pools. A bounded pool runs it once for the whole pool; an
// unbounded pool (no WithMaxSimultaneous) runs it before every task.
func WithProcessInit(fn func(args ...interface{}) error, args ...interface{}) Option {
	return func(p *Pipeline) {
		p.processInit = fn
		p.processInitArgs = args
	}
}

// WithLogger attaches a pre-configured logrus.Entry instead of the
// package default.
func WithLogger(entry *logrus.Entry) Option {
	return func(p *Pipeline) { p.log = entry }
}

// WithMetrics registers a prometheus Metrics bundle for this pipeline
// against reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Pipeline) { p.metrics = NewMetrics(reg, p.name) }
}

// New returns a Pipeline that will carry items through stages, in order.
// Stages may also be added later via AddStage, as long as that happens
// before Start (which Submit and Shutdown call).
func New(name string, stages []*Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:        name,
		stages:      append([]*Stage(nil), stages...),
		log:         logrus.NewEntry(logrus.StandardLogger()).WithField("pipeline", name),
		events:      make(chan execResult, 64),
		queue:       newSubmissionQueue(),
		outstanding: map[uint64]*execContext{},
		perItem:     map[*WorkItem][]uint64{},
		pending:     map[*WorkItem][]pendingCompletion{},
		loopDone:    make(chan struct{}),
	}
	p.reg.items = map[*WorkItem]*registryEntry{}
	p.reg.cond = sync.NewCond(&p.reg.mu)

	for _, opt := range opts {
		opt(p)
	}

	p.executors = NewExecutors(name, p.maxSimultaneous, p.log, p.processInit, p.processInitArgs)
	return p
}

// AddStage appends a stage to the pipeline. It panics once Start has run;
// since Submit calls Start, that includes any call after the first Submit,
// and also a call between an explicit Start and the first Submit.
func (p *Pipeline) AddStage(s *Stage) {
	if p.started {
		panic("pipeline: AddStage called after Start")
	}
	p.stages = append(p.stages, s)
}

// NumStages returns the number of stages currently configured.
func (p *Pipeline) NumStages() int { return len(p.stages) }

// Start launches the controller loop on a goroutine. It is idempotent.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.started = true
		go p.run()
	})
}

// WasGracefulShutdown reports whether the controller exited via a clean
// Shutdown rather than a failure cascade (spec §4.5).
func (p *Pipeline) WasGracefulShutdown() bool {
	p.gracefulMu.RLock()
	defer p.gracefulMu.RUnlock()
	return p.graceful
}

// Anomalies returns a defensive copy of the controller-observed anomaly
// log, for post-mortem inspection.
func (p *Pipeline) Anomalies() []Anomaly {
	p.anomalyMu.Lock()
	defer p.anomalyMu.Unlock()
	out := make([]Anomaly, len(p.anomalies))
	copy(out, p.anomalies)
	return out
}

// Submit hands item to the pipeline, returning a Handle that completes
// once the item clears the last stage or fails. Submitting a nil item or
// re-submitting an item still being tracked returns ErrInvalidArgument.
func (p *Pipeline) Submit(item *WorkItem) (*Handle, error) {
	if item == nil {
		return nil, xerrors.Errorf("pipeline: submit: %w", ErrInvalidArgument)
	}

	p.reg.mu.Lock()
	if p.reg.shuttingDown {
		p.reg.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, exists := p.reg.items[item]; exists {
		p.reg.mu.Unlock()
		return nil, xerrors.Errorf("pipeline: item %s already submitted: %w", item.ID, ErrInvalidArgument)
	}
	h := newHandle()
	p.reg.items[item] = &registryEntry{handle: h, start: time.Now()}
	p.reg.mu.Unlock()

	p.metrics.observeSubmit()
	p.Start()
	p.queue.push(&submission{item: item})
	return h, nil
}

// Shutdown blocks until every submitted item has been finalized, then
// stops the controller loop and shuts down the three executors. Post-
// shutdown submissions fail with ErrShutdown. If a worker never returns,
// Shutdown never returns either — callers that need a bound should have
// their workers fail on their own timeout.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.Start()

	p.reg.mu.Lock()
	p.reg.shuttingDown = true
	for len(p.reg.items) > 0 {
		p.reg.cond.Wait()
	}
	p.reg.mu.Unlock()

	p.queue.push(nil)
	<-p.loopDone

	return p.executors.Shutdown(ctx)
}

func (p *Pipeline) run() {
	defer close(p.loopDone)
	defer func() {
		if r := recover(); r != nil {
			p.handleFatal(xerrors.Errorf("pipeline: controller loop panicked: %v", r))
		}
	}()

loop:
	for {
		select {
		case <-p.queue.notify:
			for {
				sub, ok := p.queue.pop()
				if !ok {
					break
				}
				if sub == nil {
					p.setGraceful(true)
					break loop
				}
				p.advance(sub.item)
			}
		case res := <-p.events:
			p.handleCompletion(res)
		}
	}
}

func (p *Pipeline) setGraceful(v bool) {
	p.gracefulMu.Lock()
	p.graceful = v
	p.gracefulMu.Unlock()
}

// handleFatal implements the failure cascade of spec §4.5: if an
// uncaught error escapes the controller body, every in-flight item is
// finalized with that error and wasGracefulShutdown flips false.
func (p *Pipeline) handleFatal(err error) {
	p.log.WithError(err).Error("pipeline controller failure cascade")
	p.setGraceful(false)

	p.reg.mu.Lock()
	items := make([]*WorkItem, 0, len(p.reg.items))
	for item := range p.reg.items {
		items = append(items, item)
	}
	p.reg.mu.Unlock()

	for _, item := range items {
		item.AppendFailure(err)
		p.finalize(item)
	}
}

// pendingCompletion is a settled execution held back until every other
// outstanding execution for the same item has also settled, so that
// StageComplete is applied to all of them in stage-index order rather
// than in whatever order they happened to arrive on the shared events
// channel.
type pendingCompletion struct {
	stageIndex int
	result     *WorkItem
	err        error
}

func (p *Pipeline) handleCompletion(res execResult) {
	ec, ok := p.outstanding[res.execID]
	if !ok {
		p.recordAnomaly(AnomalyException, ErrInvalidState, "completion event for unknown execution")
		return
	}
	delete(p.outstanding, res.execID)

	if ec.endpoint != nil {
		if err := ec.endpoint.Close(); err != nil {
			p.log.WithError(err).Warn("failed to close paired channel endpoint")
		}
	}

	item := ec.item
	p.pending[item] = append(p.pending[item], pendingCompletion{
		stageIndex: ec.stageIndex,
		result:     res.item,
		err:        res.err,
	})

	remaining := p.perItem[item]
	for i, id := range remaining {
		if id == res.execID {
			remaining = append(remaining[:i], remaining[i+1:]...)
			break
		}
	}
	if len(remaining) == 0 {
		delete(p.perItem, item)

		settled := p.pending[item]
		delete(p.pending, item)
		sort.Slice(settled, func(i, j int) bool { return settled[i].stageIndex < settled[j].stageIndex })
		for _, c := range settled {
			if err := item.StageComplete(c.stageIndex, c.result, c.err); err != nil {
				p.recordAnomaly(AnomalyException, err, "stageComplete failed")
			}
		}

		p.advance(item)
	} else {
		p.perItem[item] = remaining
	}
}

// advance implements spec §4.5's "advancement" procedure: called only
// when nothing is outstanding for item.
func (p *Pipeline) advance(item *WorkItem) {
	if item.Failed() {
		p.finalize(item)
		return
	}

	for {
		idx := item.StageIndex()
		if idx >= len(p.stages) {
			p.finalize(item)
			return
		}
		stage := p.stages[idx]

		if stage.PairsWithNext {
			if idx+1 >= len(p.stages) {
				item.AppendFailure(xerrors.Errorf("pipeline: stage %q: %w", stage.Name, ErrLastStagePaired))
				p.recordAnomaly(AnomalyException, ErrLastStagePaired, "last stage declared pairing with a non-existent successor")
				p.finalize(item)
				return
			}
			next := p.stages[idx+1]

			ok1, err1 := stage.WantsItem(item)
			ok2, err2 := next.WantsItem(item)
			if err1 != nil || err2 != nil {
				var merr *multierror.Error
				merr = multierror.Append(merr, err1, err2)
				item.AppendFailure(merr.ErrorOrNil())
				p.finalize(item)
				return
			}
			if !ok1 || !ok2 {
				item.AdvanceStage()
				continue
			}

			producer, consumer, err := NewChannelPair(p.log)
			if err != nil {
				item.AppendFailure(err)
				p.finalize(item)
				return
			}

			upstreamIdx := idx
			upstreamCopy := item.stageCopy(producer)
			item.AdvanceStage()

			downstreamIdx := item.StageIndex()
			downstreamCopy := item.stageCopy(consumer)
			item.AdvanceStage()

			upID := p.nextExecID()
			downID := p.nextExecID()
			p.registerExec(item, upID, upstreamIdx, producer)
			p.registerExec(item, downID, downstreamIdx, consumer)

			p.dispatchTo(p.executors.Primary, stage, upID, upstreamCopy)
			p.dispatchTo(p.executors.Secondary, next, downID, downstreamCopy)
			return
		}

		ok, err := stage.WantsItem(item)
		if err != nil {
			item.AppendFailure(err)
			p.finalize(item)
			return
		}
		if !ok {
			item.AdvanceStage()
			continue
		}

		copyItem := item.stageCopy(nil)
		execID := p.nextExecID()
		p.registerExec(item, execID, idx, nil)
		item.AdvanceStage()
		p.dispatchTo(p.poolFor(stage.Location), stage, execID, copyItem)
		return
	}
}

func (p *Pipeline) poolFor(loc Location) *Pool {
	if loc == Thread {
		return p.executors.Thread
	}
	return p.executors.Primary
}

func (p *Pipeline) dispatchTo(pool *Pool, stage *Stage, execID uint64, copyItem *WorkItem) {
	pool.Submit(context.Background(), execID, func(ctx context.Context) (*WorkItem, error) {
		return stage.RunStage(ctx, copyItem)
	}, p.events)
}

func (p *Pipeline) registerExec(item *WorkItem, execID uint64, stageIndex int, endpoint PairedEndpoint) {
	p.outstanding[execID] = &execContext{
		execID:     execID,
		stageIndex: stageIndex,
		item:       item,
		endpoint:   endpoint,
	}
	p.perItem[item] = append(p.perItem[item], execID)
}

func (p *Pipeline) nextExecID() uint64 {
	p.execSeq++
	return p.execSeq
}

func (p *Pipeline) finalize(item *WorkItem) {
	p.reg.mu.Lock()
	entry, ok := p.reg.items[item]
	if !ok {
		p.reg.mu.Unlock()
		p.recordAnomaly(AnomalyException, ErrInvalidState, "finalize called for item not in registry")
		return
	}
	delete(p.reg.items, item)
	empty := len(p.reg.items) == 0
	p.reg.mu.Unlock()

	if empty {
		p.reg.cond.Broadcast()
	}

	entry.handle.finish(item, item.FirstFailure())
	p.metrics.observeFinalize(entry.start, item.Failed())
}

func (p *Pipeline) recordAnomaly(kind AnomalyKind, err error, msg string) {
	a := Anomaly{Kind: kind, Err: err, Message: msg}
	p.anomalyMu.Lock()
	p.anomalies = append(p.anomalies, a)
	p.anomalyMu.Unlock()
	p.metrics.observeAnomaly()
	p.log.WithError(err).Warn(msg)
}
