package studio

// ConnectionState is the telemetry backend connection state shown to the user.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionStatus is the outcome of the most recent health check.
type ConnectionStatus struct {
	State   ConnectionState
	Message string
}

func (s ConnectionStatus) String() string {
	if s.State == StateError && s.Message != "" {
		return "error: " + s.Message
	}
	return s.State.String()
}
