package session

// State is the connection state. There is exactly one per Manager.
type State int

// States.
const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name for JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// User-visible messages.
const (
	MsgMissingCredential = "API Key not found in environment."
	MsgConnectFailed     = "Failed to connect."
	MsgConnectionError   = "Connection Error. Please check the logs."
	MsgMicDenied         = "Microphone access denied."
	MsgMicUnavailable    = "No microphone available."
)
