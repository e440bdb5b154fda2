package checkpoint

import "errors"

var (
	// ErrCheckpointStale is returned by Prune when the candidate rows for
	// deletion cannot be proven covered by a committed checkpoint. No rows
	// are deleted.
	ErrCheckpointStale = errors.New("checkpoint: retention window not covered by a committed checkpoint")

	// ErrNothingToCheckpoint is returned by ForceCheckpoint when the event
	// log has no entries past the last checkpoint's coverage.
	ErrNothingToCheckpoint = errors.New("checkpoint: no new entries since last checkpoint")
)
