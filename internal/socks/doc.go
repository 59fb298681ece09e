// Package socks implements the client side of the SOCKS4 and SOCKS5 proxy
// protocols, plus the small server side needed to answer it.
//
// A Client starts with SOCKS5 unless told otherwise and falls back to SOCKS4
// only when the proxy's answer to the greeting does not carry version 5.
// Every reply is read against one absolute deadline with a bounded number of
// reads. Handshake failures are never retried here.
//
// The RFC 1928 and RFC 1929 message types come from
// github.com/txthinking/socks5; SOCKS4 messages are encoded directly.
package socks
