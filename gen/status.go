package gen

import (
	"time"
)

// PeerStatus describes a node-to-node connection
type PeerStatus struct {
	Node       NodeID
	Conn       uint64
	ClientSide bool
	State      string
}

// ClusterStatus is the reply of Node.ClusterStatus
type ClusterStatus struct {
	Self        NodeID
	Members     []NodeID // sorted
	Established []PeerStatus
	Connecting  []NodeID
	Connections int
	Timers      int
	Dropped     uint64
}

// SchedulerStatus holds counters of a single scheduler goroutine
type SchedulerStatus struct {
	ID      int
	Queued  int
	Handled uint64
	Steals  uint64
	Sleeps  uint64
}

// ExecutorStatus is the reply of Node.ExecutorStatus
type ExecutorStatus struct {
	Schedulers  []SchedulerStatus
	Processes   int
	Services    int
	Unscheduled int
	Dropped     uint64
	UserTime    time.Duration
	SystemTime  time.Duration
	Uptime      time.Duration
}
