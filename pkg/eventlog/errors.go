package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrChainBroken is returned once a corruption has been detected in
	// the stored chain. Once set, the store refuses further appends.
	ErrChainBroken = errors.New("eventlog: chain broken, store is quarantined")

	// ErrEmpty reports a log with no entries yet. Head does not return it:
	// Head reports an empty log as (0, zero hash) with a nil error.
	ErrEmpty = errors.New("eventlog: log is empty")
)

// ChainBrokenError names the first seq at which corruption was detected,
// per spec §7/§8 ("ChainBroken{seq}").
type ChainBrokenError struct {
	Seq uint64
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("eventlog: chain broken at seq %d, store is quarantined", e.Seq)
}

func (e *ChainBrokenError) Unwrap() error {
	return ErrChainBroken
}
