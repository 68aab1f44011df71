package common

import (
	"fmt"
)

// ErrStaleTimestamp is returned when a local write carries a counter that does
// not exceed the last counter already recorded for its replica. It indicates a
// caller bug such as a reused or rewound clock.
type ErrStaleTimestamp struct {
	Timestamp LogicalTimestamp
	Observed  uint64
}

func (e ErrStaleTimestamp) Error() string {
	return fmt.Sprintf("stale timestamp %s: replica already observed counter %d", e.Timestamp, e.Observed)
}

// ErrInvalidTimestamp is returned when a timestamp could not have been issued
// by a replica clock.
type ErrInvalidTimestamp struct {
	Message string
}

func (e ErrInvalidTimestamp) Error() string {
	return fmt.Sprintf("invalid timestamp: %s", e.Message)
}

// ErrInvalidSnapshot is returned when a remote state cannot be merged because
// its causal information is malformed.
type ErrInvalidSnapshot struct {
	Message string
}

func (e ErrInvalidSnapshot) Error() string {
	return fmt.Sprintf("invalid snapshot: %s", e.Message)
}

// ErrNotFound is returned when a resource is not found.
type ErrNotFound struct {
	Message string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}
