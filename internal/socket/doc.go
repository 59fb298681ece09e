// Package socket is the user-facing sockets API: Socket, ServerSocket and
// DatagramSocket.
//
// A Factory holds the shared services (resolver, proxy selector, datagram
// guard, dial settings) and creates sockets. Each socket tracks its own
// lifecycle state and delegates I/O to a transport from
// internal/transport. A factory with a proxy selector, or a socket created
// through a SOCKS descriptor, connects through the SOCKS transport.
package socket
