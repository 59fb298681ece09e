// Package dialer provides the outbound TCP dialers used by transports.
//
// Dialers implement a small interface (DialContext). The direct dialer makes
// exactly one attempt; the retrying dialer wraps any Dialer in the
// exponential backoff of package retry and is only used for the initial
// connect of a plain transport.
package dialer
