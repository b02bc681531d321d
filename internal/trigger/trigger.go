// Package trigger connects external operators to the sideline controller.
package trigger

import "github.com/lsm/shunt/internal/sideline"

// Sideliner is the controller surface a trigger drives.
type Sideliner interface {
	StartSideline(req sideline.Request) (string, error)
	StopSideline(req sideline.Request) error
}

// Trigger watches an external signal source and invokes the sideliner.
type Trigger interface {
	// Open starts watching. Non-blocking.
	Open(s Sideliner) error

	// Close stops watching.
	Close() error
}
