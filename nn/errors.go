package nn

import "errors"

var (
	// ErrSnapshotExists is returned when Checkpoint is called a second time.
	ErrSnapshotExists = errors.New("rewind snapshot already captured")

	// ErrNoSnapshot is returned when RewindWeights runs before any snapshot exists.
	ErrNoSnapshot = errors.New("no rewind snapshot captured")

	// ErrSnapshotConsumed is returned when the rewind snapshot is restored twice.
	ErrSnapshotConsumed = errors.New("rewind snapshot already consumed")

	// ErrTicketMode is returned by operations that are illegal once masks are fixed.
	ErrTicketMode = errors.New("network is in ticket mode")

	// ErrNonFinite reports NaN or Inf in a loss, temperature or parameter.
	ErrNonFinite = errors.New("non-finite value")

	// ErrShape reports a tensor whose shape does not fit the layer.
	ErrShape = errors.New("shape mismatch")
)
