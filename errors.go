package readmux

import "errors"

// Construction errors. Create returns one of these (wrapped with context)
// when a syscall needed to stand up the listening socket or poller fails.
var (
	ErrSocket = errors.New("readmux: socket creation failed")
	ErrBind   = errors.New("readmux: bind failed")
	ErrListen = errors.New("readmux: listen failed")
	ErrPoller = errors.New("readmux: poller creation failed")
)

// ErrNotActive is returned by operations that require an active connection
// (Pull) when none is set, i.e. when called outside a Poll/Yield bracket
// that returned a non-negative index.
var ErrNotActive = errors.New("readmux: no active connection")
