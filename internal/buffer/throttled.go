package buffer

import (
	"fmt"
	"regexp"
)

// NewThrottled creates a round-robin buffer whose per-source capacity
// depends on the source id: sources matching the pattern get the small
// throttled capacity, everything else the normal capacity. Backpressure on
// Put therefore slows throttled producers independently.
func NewThrottled(capacity, throttledCapacity int, pattern string) (*RoundRobin, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	if throttledCapacity <= 0 {
		return nil, fmt.Errorf("throttled capacity must be positive, got %d", throttledCapacity)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("throttle pattern: %w", err)
	}
	return newRoundRobin(func(sourceID string) int {
		if re.MatchString(sourceID) {
			return throttledCapacity
		}
		return capacity
	}), nil
}
