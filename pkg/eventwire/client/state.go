package client

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

func (s State) String() string {
	return string(s)
}

// Active reports whether the manager holds or is acquiring a transport.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected
}
