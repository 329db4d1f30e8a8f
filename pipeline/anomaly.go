package pipeline

import "fmt"

// AnomalyKind classifies a non-fatal inconsistency observed by the
// controller. The set is intentionally small: anomalies are for
// post-mortem inspection, not for driving control flow.
type AnomalyKind string

// AnomalyException is the only anomaly kind produced by this implementation
// today; the type exists so callers pattern-match on Kind rather than on
// error string contents.
const AnomalyException AnomalyKind = "EXCEPTION"

// Anomaly is a record of something the controller noticed that should not
// normally happen: a completion event for an unknown execution, a last
// stage that declares pairing, a failed StageComplete, or a finalize for
// an item that is no longer tracked. Panics in predicates and workers are
// not anomalies; they become failures of the item.
type Anomaly struct {
	Kind    AnomalyKind
	Err     error
	Message string
}

func (a Anomaly) String() string {
	if a.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", a.Kind, a.Message, a.Err)
	}
	return fmt.Sprintf("[%s] %s", a.Kind, a.Message)
}
