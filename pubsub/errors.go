package pubsub

import (
	"errors"
	"fmt"
)

var (
	ErrClientClosed     = errors.New("pubsub: client closed")
	ErrPublisherStopped = errors.New("pubsub: publisher stopped")
	ErrPublishCanceled  = errors.New("pubsub: publish canceled")

	// ErrOrderingKeyHalted matches (via errors.Is) every failure surfaced
	// because an ordering lane has an unresolved prior error.
	ErrOrderingKeyHalted = errors.New("pubsub: ordering key halted")
)

// LaneHaltedError is returned for publishes on a halted ordering key. The
// lane stays halted until Publisher.ResumePublish is called for the key.
type LaneHaltedError struct {
	Key   string
	Cause error
}

func (e *LaneHaltedError) Error() string {
	return fmt.Sprintf("pubsub: ordering key %q halted: %v", e.Key, e.Cause)
}

func (e *LaneHaltedError) Unwrap() error { return e.Cause }

func (e *LaneHaltedError) Is(target error) bool { return target == ErrOrderingKeyHalted }

func batchSendError(err error) error {
	return fmt.Errorf("pubsub: batch send: %w", err)
}

func admissionError(err error) error {
	return fmt.Errorf("pubsub: flow control admission: %w", err)
}
