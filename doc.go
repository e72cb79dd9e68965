// Package readmux implements a single-threaded, multi-connection TCP read
// multiplexer.
//
// A Multiplexer accepts inbound connections on a listening port, drains
// kernel readiness notifications through the ioready package, and exposes a
// cursor-style Pull API letting a consumer read fixed-size messages out of
// any connection without the multiplexer itself understanding message
// framing. All per-connection read buffers are served from one bounded
// ring.Buffer arena (package ring); when the arena fills, the multiplexer
// forcibly closes its oldest buffered connection to make room.
//
// The Multiplexer is not safe for concurrent use. Exactly one goroutine
// should call Poll, Pull, Yield, Closed and CloseClient, in that relative
// order per connection: Poll identifies a readable connection, zero or
// more Pull calls borrow bytes from it, and Yield commits what was
// consumed.
package readmux
