// Package transport implements the low-level sockets behind the socket
// package: plain TCP streams, listeners, datagram sockets, and streams and
// listeners that go through a SOCKS proxy.
//
// Each transport owns one native handle guarded by a reference count.
// Blocking calls hold a reference for their duration. Close shuts I/O down
// immediately and releases the handle once the last holder returns, so the
// handle is released exactly once however calls interleave.
package transport
