// Package message defines the in-flight message types handed between the
// virtual sources, the output buffer, and the host.
package message

import (
	"fmt"

	"github.com/lsm/shunt/internal/offsets"
)

// ID uniquely identifies an emitted message within the running process.
// It is the opaque handle the host passes back on ack and fail.
type ID struct {
	Topic     string
	Partition int32
	Offset    int64
	SourceID  string
}

func (id ID) String() string {
	return fmt.Sprintf("%s-%d-%d-%s", id.Topic, id.Partition, id.Offset, id.SourceID)
}

// TopicPartition returns the partition this message belongs to.
func (id ID) TopicPartition() offsets.Partition {
	return offsets.Partition{Topic: id.Topic, Partition: id.Partition}
}

// Message is a deserialized record plus its identity. Created when a
// virtual source emits, dropped when acked or permanently failed.
type Message struct {
	ID     ID
	Fields map[string]any
}
