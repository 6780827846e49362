package socket

// Status describes where a connection is in its lifecycle.
type Status int32

const (
	// StatusClosed means no socket exists and none will be dialed.
	StatusClosed Status = iota
	// StatusConnecting covers the first dial attempt.
	StatusConnecting
	// StatusOpen means a socket is established and reading.
	StatusOpen
	// StatusReconnecting covers every dial attempt after a failure.
	StatusReconnecting
)

// String returns the lowercase label used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
