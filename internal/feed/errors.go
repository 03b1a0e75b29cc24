package feed

import (
	"errors"
	"fmt"
)

// ErrUnknownEventType is returned when an event name is not in the registry.
var ErrUnknownEventType = errors.New("unknown event type")

// ConnectionError reports that the upstream connection or a subscription on
// it was lost. It ends the owning stream and is not retried here.
type ConnectionError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("feed %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("feed %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError reports a notification that could not be decoded as its event
// type. It concerns one log only.
type DecodeError struct {
	EventType   string
	BlockNumber uint64
	LogIndex    uint
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at block %d log %d: %v", e.EventType, e.BlockNumber, e.LogIndex, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
