package socket

import (
	"fmt"
	"strconv"
)

// State is a socket's lifecycle position.
type State int

const (
	Created State = iota
	Bound
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
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

// transitions lists the states reachable from each state. Connect from
// Created binds implicitly.
var transitions = map[State][]State{
	Created:   {Bound, Connected, Closed},
	Bound:     {Connected, Closed},
	Connected: {Closed},
	Closed:    {},
}

func (s State) canMove(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns nil when from may move to to, and the matching
// lifecycle error otherwise.
func checkTransition(from, to State) error {
	if from.canMove(to) {
		return nil
	}
	switch {
	case from == Closed:
		return ErrSocketClosed
	case to == Bound:
		return ErrAlreadyBound
	case to == Connected:
		return ErrAlreadyConnected
	}
	return fmt.Errorf("socket: invalid transition %s -> %s", from, to)
}
