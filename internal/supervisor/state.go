package supervisor

import (
	"time"

	"codeberg.org/mutker/wabot-instance/internal/pairing"
	"codeberg.org/mutker/wabot-instance/internal/protocol"
)

// State is the connection lifecycle state of an instance.
type State int

const (
	Initializing State = iota
	Connecting
	AwaitingPairing
	Connected
	Closed
	Reconnecting
	LoggedOut
	FatalError
)

const (
	StatusInitializing      = "initializing"
	StatusConnecting        = "connecting"
	StatusWaitingForPairing = "waiting_for_pairing"
	StatusPairing           = "pairing"
	StatusConnected         = "connected"
	StatusDisconnected      = "disconnected"
	StatusReconnecting      = "reconnecting"
	StatusLoggedOut         = "logged_out"
	StatusError             = "error"
)

// String returns the wire status of the state. AwaitingPairing reports
// StatusWaitingForPairing here; a snapshot holding a code reports
// StatusPairing instead.
func (s State) String() string {
	switch s {
	case Initializing:
		return StatusInitializing
	case Connecting:
		return StatusConnecting
	case AwaitingPairing:
		return StatusWaitingForPairing
	case Connected:
		return StatusConnected
	case Closed:
		return StatusDisconnected
	case Reconnecting:
		return StatusReconnecting
	case LoggedOut:
		return StatusLoggedOut
	case FatalError:
		return StatusError
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the supervisor, published on every
// change. Callers may keep it indefinitely.
type Snapshot struct {
	InstanceID        string
	PhoneNumber       string
	State             State
	Status            string
	Code              pairing.Code
	User              *protocol.User
	Registered        bool
	ReconnectAttempts int
	LastError         string
	UpdatedAt         time.Time
}

// Authenticated reports whether the instance is logged in and serving.
func (s Snapshot) Authenticated() bool {
	return s.State == Connected
}

// Transition is one committed change of state or wire status.
type Transition struct {
	From       State
	To         State
	FromStatus string
	ToStatus   string
	Attempt    int
	Reason     string
	At         time.Time
}

// RegenerateResult is the outcome of a regenerate request.
type RegenerateResult struct {
	Success  bool
	Snapshot Snapshot
}

func statusOf(state State, code pairing.Code) string {
	if state == AwaitingPairing && code.Present() {
		return StatusPairing
	}
	return state.String()
}
