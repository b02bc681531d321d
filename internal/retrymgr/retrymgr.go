// Package retrymgr decides when and whether a failed message is replayed.
package retrymgr

import "github.com/lsm/shunt/internal/message"

// Manager tracks failed messages for a single virtual source.
type Manager interface {
	// Failed records a failure and schedules the next eligible retry time.
	Failed(id message.ID)

	// RetryFurther reports whether another attempt is permitted for id.
	RetryFurther(id message.ID) bool

	// NextEligible returns the id whose scheduled retry time has passed,
	// lowest scheduled time first, ties broken by insertion order.
	// Non-blocking; returns false when nothing is eligible.
	NextEligible() (message.ID, bool)

	// Acked drops all tracking for id.
	Acked(id message.ID)
}

// NeverRetry gives up on every failure.
type NeverRetry struct{}

func (NeverRetry) Failed(message.ID) {}
func (NeverRetry) RetryFurther(message.ID) bool { return false }
func (NeverRetry) NextEligible() (message.ID, bool) { return message.ID{}, false }
func (NeverRetry) Acked(message.ID) {}
