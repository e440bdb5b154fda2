package vault

import "errors"

var (
	// ErrEnvelopeExists is returned by Seal when an envelope with the same
	// envelope_id (the sealed event's entry hash) already exists.
	ErrEnvelopeExists = errors.New("vault: envelope already sealed")

	// ErrEnvelopeNotFound is returned when no envelope exists for the
	// given envelope_id.
	ErrEnvelopeNotFound = errors.New("vault: envelope not found")

	// ErrReleaseAlreadyConsumed is returned by Release when the envelope
	// was already released to a different (or the same) receipt.
	ErrReleaseAlreadyConsumed = errors.New("vault: envelope already released")
)
