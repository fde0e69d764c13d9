// Package ringbuf provides the two fixed-capacity buffers used to hand audio
// and protocol data between goroutines: [ByteRing], a lossy byte stream that
// overwrites the oldest data when full, and [PacketRing], a store of discrete
// length-prefixed packets that rejects writes when full.
//
// Both types are safe for exactly one writer and one reader used
// concurrently. Multiple concurrent writers or readers are out of contract.
// Internal locks are held only for the copy of a single read or write and
// never across a wait.
package ringbuf

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidArgument is returned for zero-length inputs and non-positive
	// capacities.
	ErrInvalidArgument = errors.New("ringbuf: invalid argument")

	// ErrCapacityExceeded is returned when a non-lossy write does not fit.
	ErrCapacityExceeded = errors.New("ringbuf: capacity exceeded")

	// ErrPacketTooLarge is returned by [PacketRing.Write] when the payload is
	// larger than the configured maximum packet size.
	ErrPacketTooLarge = errors.New("ringbuf: packet too large")

	// ErrTimeout is returned when a read found no data before its deadline.
	ErrTimeout = errors.New("ringbuf: timeout")

	// ErrDestinationTooSmall is returned by [PacketRing.Read] when the stored
	// packet does not fit the caller's buffer. The packet is consumed.
	ErrDestinationTooSmall = errors.New("ringbuf: destination too small")

	// ErrReset is returned by [ByteRing.ReadSince] when the buffer was cleared
	// after the given epoch.
	ErrReset = errors.New("ringbuf: buffer reset")
)

// signal is a broadcast wake-up. Waiters grab the current channel while
// holding the owner's lock; notify closes it and installs a fresh one. All
// methods must be called with the owner's lock held.
type signal struct {
	ch chan struct{}
}

func newSignal() signal {
	return signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} { return s.ch }

func (s *signal) notify() {
	close(s.ch)
	s.ch = make(chan struct{})
}

// deadline converts a read timeout to a timer channel. A negative timeout
// waits forever (nil channel), zero means do not wait at all.
func deadline(timeout time.Duration) (expire <-chan time.Time, noWait bool, stop func()) {
	switch {
	case timeout == 0:
		return nil, true, func() {}
	case timeout < 0:
		return nil, false, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, false, func() { t.Stop() }
}

// await blocks until wake fires, the timer expires or ctx is done. It
// reports expired=true when the timer fired.
func await(ctx context.Context, wake <-chan struct{}, expire <-chan time.Time) (expired bool, err error) {
	select {
	case <-wake:
		return false, nil
	case <-expire:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
