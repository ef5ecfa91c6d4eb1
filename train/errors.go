package train

import "errors"

var (
	// ErrConfig marks configuration errors found before any training work.
	ErrConfig = errors.New("invalid configuration")

	// ErrIllegalTransition is returned when a phase transition is requested
	// from a phase that does not allow it.
	ErrIllegalTransition = errors.New("illegal phase transition")

	// ErrCheckpointIO is returned once a checkpoint write has failed on every retry.
	ErrCheckpointIO = errors.New("checkpoint write failed")

	// ErrAborted is returned by a gradient all-reduce after a peer rank failed.
	ErrAborted = errors.New("replica group aborted")
)
