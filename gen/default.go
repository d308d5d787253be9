package gen

import (
	"time"
)

var (
	// DefaultRequestTimeout is the liveness timeout of the node-to-node
	// connections and the request timeout of the TCP service.
	DefaultRequestTimeout time.Duration = 5 * time.Second

	DefaultTick            time.Duration = 100 * time.Millisecond
	DefaultTimerResolution time.Duration = 10 * time.Millisecond
	DefaultSchedulerSleep  time.Duration = 100 * time.Millisecond

	DefaultQuantum      int = 100
	DefaultDrainBatch   int = 32
	DefaultMinResidence int = 1

	DefaultReconnectInitial time.Duration = 100 * time.Millisecond
	DefaultReconnectMax     time.Duration = 5 * time.Second

	DefaultKeepAlivePeriod time.Duration = 15 * time.Second
)

const (
	// MaxFrameSize limits the length of a single frame on the wire
	MaxFrameSize int = 10 << 20
)
