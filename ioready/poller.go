// Package ioready wraps the kernel's readiness-based polling facility
// behind a single small interface: Register, Unregister, Wait, Next and
// Close. One concrete implementation backs each supported platform:
//   - Linux: epoll (level-triggered)
//   - Darwin/BSD: kqueue (change-list)
//
// Behavior is identical across backends; only the registration and wait
// primitives differ. See poller_linux.go and poller_darwin.go.
package ioready

import "errors"

// ReadQueue is the maximum number of events drained per Wait call.
const ReadQueue = 32

// ErrPollerClosed is returned by any operation on a Poller after Close.
var ErrPollerClosed = errors.New("ioready: poller closed")

// Target is the user data associated with a registered file descriptor. A
// Target either denotes the listening socket (Listen == true) or indexes a
// live connection slot. This discriminated form avoids carrying an
// all-ones sentinel pointer value as the listening-socket marker.
type Target struct {
	Listen bool
	Index  int
}

// ListenTarget is the Target registered against the listening fd.
var ListenTarget = Target{Listen: true}

// Poller is the minimal readiness-polling interface the multiplexer drives.
// A Poller is not safe for concurrent use.
type Poller interface {
	// Register associates fd with target and begins monitoring it for
	// readability.
	Register(fd int, target Target) error
	// Unregister stops monitoring fd. It is a no-op error to unregister an
	// fd that was never registered.
	Unregister(fd int) error
	// Wait blocks up to timeoutMs milliseconds (negative: indefinitely)
	// for readiness events, filling an internal batch of up to ReadQueue
	// entries and resetting the read cursor to its start. It returns the
	// number of events filled.
	Wait(timeoutMs int) (int, error)
	// Next returns the next event's Target from the current batch, or
	// false once the batch is exhausted.
	Next() (Target, bool)
	// Close releases the underlying kernel resource.
	Close() error
}

// New constructs the platform-native Poller. Implemented per-platform in
// poller_linux.go and poller_darwin.go.
func New() (Poller, error) {
	return newPoller()
}
