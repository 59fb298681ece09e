package transport

import "strconv"

// Kind tags the concrete transport behind an interface value.
type Kind int

const (
	KindTCP Kind = iota
	KindListener
	KindUDP
	KindSocks
	KindSocksListener
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindListener:
		return "listener"
	case KindUDP:
		return "udp"
	case KindSocks:
		return "socks"
	case KindSocksListener:
		return "socks_listener"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// State is the lifecycle position of a transport. Connected implies an
// address was bound, explicitly or by the connect itself.
type State int

const (
	Unbound State = iota
	Bound
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// ResetState tracks connection-reset detection. It only moves forward.
type ResetState int

const (
	NotReset ResetState = iota
	ResetPending
	Reset
)

func (r ResetState) String() string {
	switch r {
	case NotReset:
		return "not_reset"
	case ResetPending:
		return "reset_pending"
	case Reset:
		return "reset"
	default:
		return "ResetState(" + strconv.Itoa(int(r)) + ")"
	}
}

// advance moves r to next if next is further along.
func (r *ResetState) advance(next ResetState) {
	if next > *r {
		*r = next
	}
}
