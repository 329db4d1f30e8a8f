package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/xerrors"
)

// Location picks which executor a stage's worker runs on.
type Location int

const (
	// Thread runs the stage's worker on the pipeline's in-process thread
	// pool.
	Thread Location = iota
	// Subprocess runs the stage's worker on one of the two subprocess
	// pools (see pipeline/executor.go for why there are two).
	Subprocess
)

func (l Location) String() string {
	if l == Subprocess {
		return "subprocess"
	}
	return "thread"
}

// Predicate decides whether a stage wants to run against an item. It must
// be pure enough to survive being invoked multiple times from different
// controller iterations (the controller re-evaluates predicates whenever
// it walks forward past a stage).
type Predicate func(item *WorkItem) (bool, error)

// Worker performs a stage's work. It receives the per-stage copy of the
// item and must return that same copy (possibly mutated); returning a nil
// item with a nil error is a protocol violation reported as
// ErrResultNotAWorkItem.
type Worker func(ctx context.Context, item *WorkItem, kwargs map[string]interface{}) (*WorkItem, error)

// Stage pairs a predicate with a worker, a run location, and whether it
// pairs with its immediate successor. Stage values are immutable once
// constructed.
type Stage struct {
	Name          string
	Predicate     Predicate
	Worker        Worker
	Location      Location
	PairsWithNext bool
	KWArgs        map[string]interface{}
}

// NewStage returns a Stage descriptor. kwargs are the stage's own fixed
// keyword arguments, merged with an item's per-item kwargs at dispatch
// time (per-item keys win).
func NewStage(name string, predicate Predicate, worker Worker, loc Location, pairsWithNext bool, kwargs map[string]interface{}) *Stage {
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return &Stage{
		Name:          name,
		Predicate:     predicate,
		Worker:        worker,
		Location:      loc,
		PairsWithNext: pairsWithNext,
		KWArgs:        kwargs,
	}
}

// WantsItem calls the stage's predicate, converting a panic into an error
// the same way an uncaught exception would be converted in the source
// runtime: the item is marked failed and treated as terminal by the
// controller.
func (s *Stage) WantsItem(item *WorkItem) (wants bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("pipeline: stage %q predicate panicked: %v", s.Name, r)
		}
	}()
	return s.Predicate(item)
}

// mergeKWArgs merges the stage's fixed kwargs with the item's per-item
// kwargs, with per-item entries taking precedence.
func (s *Stage) mergeKWArgs(item *WorkItem) map[string]interface{} {
	merged := make(map[string]interface{}, len(s.KWArgs)+len(item.KWArgs))
	for k, v := range s.KWArgs {
		merged[k] = v
	}
	for k, v := range item.KWArgs {
		merged[k] = v
	}
	return merged
}

// RunStage invokes the stage's worker against the per-stage copy of item,
// recovering from and wrapping any panic the same way WantsItem does.
func (s *Stage) RunStage(ctx context.Context, item *WorkItem) (result *WorkItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("pipeline: stage %q worker panicked: %v", s.Name, r)
			result = nil
		}
	}()

	out, err := s.Worker(ctx, item, s.mergeKWArgs(item))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, xerrors.Errorf("pipeline: stage %q: %w", s.Name, ErrResultNotAWorkItem)
	}
	return out, nil
}

func (s *Stage) String() string {
	return fmt.Sprintf("Stage(%s, %s, paired=%v)", s.Name, s.Location, s.PairsWithNext)
}
