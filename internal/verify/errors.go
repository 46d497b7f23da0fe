package verify

import (
	"errors"
	"fmt"
)

// ChainBrokenError reports the first message of a topic whose stored state
// does not match the recomputed running hash chain.
type ChainBrokenError struct {
	TopicID  string
	Sequence uint64
	Expected string
	Actual   string
	Reason   string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("hash chain broken on topic %s at sequence %d: %s (expected %s, got %s)",
		e.TopicID, e.Sequence, e.Reason, e.Expected, e.Actual)
}

func NewChainBrokenError(topicID string, sequence uint64, reason, expected, actual string) *ChainBrokenError {
	return &ChainBrokenError{
		TopicID:  topicID,
		Sequence: sequence,
		Expected: expected,
		Actual:   actual,
		Reason:   reason,
	}
}

func IsChainBrokenError(err error) bool {
	var ce *ChainBrokenError
	return errors.As(err, &ce)
}

func AsChainBrokenError(err error) *ChainBrokenError {
	var ce *ChainBrokenError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
