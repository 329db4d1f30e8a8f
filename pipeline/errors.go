package pipeline

import "golang.org/x/xerrors"

// Sentinel errors for the error kinds enumerated by the pipeline design.
// Wrap sites use xerrors.Errorf("...: %w", err) so xerrors.Is continues to
// match against these values after wrapping.
var (
	// ErrInvalidArgument is returned for malformed caller input: a nil
	// work item or a re-submission of an item still being tracked.
	ErrInvalidArgument = xerrors.New("pipeline: invalid argument")

	// ErrInvalidState signals an internal bookkeeping inconsistency,
	// such as a completion event referencing an unknown execution.
	ErrInvalidState = xerrors.New("pipeline: invalid internal state")

	// ErrMalformedFrame is returned when a frame read off the byte
	// channel is not a well-formed tagged record.
	ErrMalformedFrame = xerrors.New("pipeline: malformed frame")

	// ErrAlreadyClosed is returned when a producer attempts to send a
	// frame after it has already sent DATA_FINAL.
	ErrAlreadyClosed = xerrors.New("pipeline: channel already closed")

	// ErrPeerClosed is surfaced by ReceiveFrame when the producer's end
	// of the pipe disconnects before a final frame was seen.
	ErrPeerClosed = xerrors.New("pipeline: peer closed")

	// ErrResultNotAWorkItem is returned when a stage worker returns a
	// nil item without an accompanying error, violating the worker
	// contract.
	ErrResultNotAWorkItem = xerrors.New("pipeline: stage worker did not return a work item")

	// ErrLastStagePaired is returned when the final stage in a pipeline
	// declares that it pairs with a (non-existent) successor.
	ErrLastStagePaired = xerrors.New("pipeline: last stage cannot pair with a successor")

	// ErrShutdown is returned by Submit once the controller has begun
	// or completed shutdown.
	ErrShutdown = xerrors.New("pipeline: pipeline is shutting down")
)
