package socket

import "github.com/die-net/netsock/internal/transport"

// Lifecycle errors. They are the transport package's sentinels, so errors.Is
// works on errors from either layer.
var (
	ErrSocketClosed      = transport.ErrSocketClosed
	ErrAlreadyBound      = transport.ErrAlreadyBound
	ErrAlreadyConnected  = transport.ErrAlreadyConnected
	ErrNotBound          = transport.ErrNotBound
	ErrNotConnected      = transport.ErrNotConnected
	ErrResourceExhausted = transport.ErrResourceExhausted
	ErrUnsupportedProxy  = transport.ErrUnsupportedProxy
	ErrTimeout           = transport.ErrTimeout
)
