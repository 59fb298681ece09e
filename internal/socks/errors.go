package socks

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol reports a malformed or short reply, or a version byte
	// that cannot be handled.
	ErrProtocol = errors.New("socks: protocol error")

	// ErrTimeout reports that the handshake deadline passed before a full
	// reply arrived.
	ErrTimeout = errors.New("socks: reply timed out")

	ErrAuthRequired           = errors.New("socks: authentication required")
	ErrAuthFailed             = errors.New("socks: authentication failed")
	ErrNoAcceptableAuthMethod = errors.New("socks: no acceptable authentication method")

	// ErrRejected is wrapped by every ReplyError that the proxy uses to
	// refuse a request.
	ErrRejected = errors.New("socks: request rejected")

	// ErrUnresolvedTarget is returned when SOCKS4 is asked to reach a
	// target that is not an IPv4 address.
	ErrUnresolvedTarget = errors.New("socks: socks4 requires a resolved IPv4 target")
)

// ReplyError is a non-success status code returned by the proxy.
type ReplyError struct {
	Version int
	Code    byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks%d: %s (%d)", e.Version, replyText(e.Version, e.Code), e.Code)
}

func (e *ReplyError) Unwrap() error {
	if e.Version == Version4 && (e.Code == Status4IdentdUnreachable || e.Code == Status4IdentdMismatch) {
		return ErrAuthFailed
	}
	return ErrRejected
}

// replyError maps a status byte to an error. Codes outside the protocol's
// taxonomy are protocol errors.
func replyError(version int, code byte) error {
	switch version {
	case Version4:
		switch code {
		case Status4Rejected, Status4IdentdUnreachable, Status4IdentdMismatch:
			return &ReplyError{Version: version, Code: code}
		}
	case Version5:
		if code >= Status5GeneralFailure && code <= Status5AddressNotSupported {
			return &ReplyError{Version: version, Code: code}
		}
	}
	return fmt.Errorf("%w: unknown socks%d reply status %d", ErrProtocol, version, code)
}

func replyText(version int, code byte) string {
	if version == Version4 {
		switch code {
		case Status4Granted:
			return "request granted"
		case Status4Rejected:
			return "request rejected or failed"
		case Status4IdentdUnreachable:
			return "cannot connect to identd"
		case Status4IdentdMismatch:
			return "user id mismatch"
		}
		return "unknown status"
	}
	switch code {
	case Status5OK:
		return "succeeded"
	case Status5GeneralFailure:
		return "general server failure"
	case Status5NotAllowed:
		return "connection not allowed by ruleset"
	case Status5NetworkUnreachable:
		return "network unreachable"
	case Status5HostUnreachable:
		return "host unreachable"
	case Status5ConnectionRefused:
		return "connection refused"
	case Status5TTLExpired:
		return "TTL expired"
	case Status5CommandNotSupported:
		return "command not supported"
	case Status5AddressNotSupported:
		return "address type not supported"
	}
	return "unknown status"
}
