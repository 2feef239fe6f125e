package conn

import "fmt"

// State is the lifecycle state of the duplex connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// CanTransition reports whether from -> to is an edge of the lifecycle:
// disconnected -> connecting -> connected -> disconnecting -> disconnected,
// any state -> errored, errored -> connecting | disconnected. A teardown
// that lands mid-handshake moves connecting -> disconnecting.
func CanTransition(from, to State) bool {
	if to == StateErrored {
		return from != StateErrored
	}
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateDisconnecting
	case StateConnected:
		return to == StateDisconnecting
	case StateDisconnecting:
		return to == StateDisconnected
	case StateErrored:
		return to == StateConnecting || to == StateDisconnected
	}
	return false
}

// Listener observes state transitions.
type Listener func(prev, next State)
