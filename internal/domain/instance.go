package domain

import "time"

// InstanceDescriptor is a peer scheduler instance as seen on the event bus.
type InstanceDescriptor struct {
	InstanceID      string
	PID             int
	PublishEndpoint string
	FirstSeen       time.Time
	LastSeen        time.Time
	Seq             uint64
}
