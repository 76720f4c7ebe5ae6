package kprobe

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned when the current platform cannot host the probe.
var ErrUnsupported = errors.New("kernel file-open tracing is only supported on Linux kernels >= 4.18")

// Event is the decoded form of the struct emitted by the openat tracepoint
// program. It crosses the kernel/userspace boundary as a fixed layout and is
// treated as a versioned binary contract (see decodeEvent).
type Event struct {
	PID       uint32
	Comm      string
	Filename  string
	Timestamp time.Time
}

// Manager owns the lifecycle of the kernel probe and its perf transport.
type Manager interface {
	// Start attaches probes (if not already attached) and begins draining
	// the perf ring into the channel returned by Events.
	Start(ctx context.Context) error
	// Close detaches probes and releases kernel/userspace resources.
	Close() error
	// Events returns the channel of decoded open events. Closed once the
	// manager's run loop exits.
	Events() <-chan Event
	// LostEvents returns the cumulative count of events dropped because the
	// perf ring was full on a CPU. Never blocks.
	LostEvents() uint64
}
