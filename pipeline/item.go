package pipeline

import (
	"github.com/google/uuid"
)

// PairedEndpoint is whichever end of the framed byte channel a paired stage
// was handed: either a *Producer (upstream half) or a *Consumer
// (downstream half).
type PairedEndpoint interface {
	Close() error
}

// WorkItem is the caller-supplied unit of work traversing the pipeline.
// The zero value is not usable; create one with NewWorkItem.
//
// A WorkItem is owned by the caller until Submit transfers ownership to
// the controller, mutated only by the controller goroutine thereafter, and
// finalized exactly once.
type WorkItem struct {
	// ID uniquely identifies the item; Submit's re-submission error names
	// it. It is not attached to log lines or anomaly records.
	ID uuid.UUID

	stageIndex int

	// Payload is the opaque, user-supplied value carried through the
	// pipeline.
	Payload interface{}

	// KWArgs are user-supplied keyword arguments visible to every stage
	// worker, merged with each stage's own fixed kwargs at dispatch time.
	KWArgs map[string]interface{}

	// Extra holds attributes a stage worker added to its copy of the item
	// that aren't part of the WorkItem abstraction itself (stageIndex,
	// Payload, KWArgs, failures, PairedEndpoint, AutoMerge). StageComplete
	// copies these back onto the caller-visible item when AutoMerge is
	// set, giving callers "what the stage saw" without a fixed
	// data-transfer convention.
	Extra map[string]interface{}

	failures []error

	// PairedEndpoint is populated only on the per-stage copy handed to a
	// paired stage's worker; it is nil on the caller-visible item.
	PairedEndpoint PairedEndpoint

	// AutoMerge selects whether StageComplete copies Extra attributes
	// back onto the caller-visible item (true, the default) or leaves
	// merging entirely to a caller-supplied override.
	AutoMerge bool
}

// NewWorkItem returns a WorkItem ready for submission, with its stage
// index at 0 and an empty failure list.
func NewWorkItem(payload interface{}, kwargs map[string]interface{}) *WorkItem {
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return &WorkItem{
		ID:        uuid.New(),
		Payload:   payload,
		KWArgs:    kwargs,
		Extra:     map[string]interface{}{},
		AutoMerge: true,
	}
}

// StageIndex returns the item's current position in the pipeline, in
// [0, numStages].
func (w *WorkItem) StageIndex() int { return w.stageIndex }

// AdvanceStage increments the current stage index by one. It never
// decreases and advancing past numStages renders the item terminal.
func (w *WorkItem) AdvanceStage() { w.stageIndex++ }

// AppendFailure appends err to the failure list. The item is Failed once
// this list is non-empty.
func (w *WorkItem) AppendFailure(err error) {
	if err == nil {
		return
	}
	w.failures = append(w.failures, err)
}

// Failed reports whether any stage has recorded a failure against this
// item.
func (w *WorkItem) Failed() bool { return len(w.failures) > 0 }

// Failures returns the ordered list of accumulated failures. The slice is
// a defensive copy.
func (w *WorkItem) Failures() []error {
	out := make([]error, len(w.failures))
	copy(out, w.failures)
	return out
}

// FirstFailure returns the first recorded failure, or nil if the item has
// not failed.
func (w *WorkItem) FirstFailure() error {
	if len(w.failures) == 0 {
		return nil
	}
	return w.failures[0]
}

// stageCopy returns a shallow copy of w suitable for handing to a single
// stage worker. KWArgs and Extra are shallow-copied so the worker can add
// or overwrite entries without racing the caller-visible item; Payload
// itself is not deep-copied (ownership of it effectively transfers to the
// worker for the duration of the call, per the stage worker contract).
func (w *WorkItem) stageCopy(endpoint PairedEndpoint) *WorkItem {
	cp := &WorkItem{
		ID:             w.ID,
		stageIndex:     w.stageIndex,
		Payload:        w.Payload,
		KWArgs:         copyMap(w.KWArgs),
		Extra:          copyMap(w.Extra),
		PairedEndpoint: endpoint,
		AutoMerge:      w.AutoMerge,
	}
	return cp
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// These struct fields are never copied by StageComplete's auto-merge step
// from a stage's result, because they belong to the WorkItem abstraction
// itself rather than to whatever the stage computed.
//
//   - stageIndex, Payload, KWArgs, failures, PairedEndpoint, AutoMerge
//
// Everything else worth merging lives in Extra, which is copied wholesale.

// StageComplete is invoked by the controller exactly once per settled
// stage execution, whether solo or one half of a paired run. See
// spec §4.2 for the merge contract this implements.
func (w *WorkItem) StageComplete(stageIndex int, result *WorkItem, stageErr error) error {
	if stageErr != nil {
		w.AppendFailure(stageErr)
	}
	if result != nil {
		for _, f := range result.failures {
			w.AppendFailure(f)
		}
		w.Payload = result.Payload
		if w.AutoMerge {
			w.Extra = copyMap(result.Extra)
		}
	}
	return nil
}
