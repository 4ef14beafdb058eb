package session

import "fmt"

// ConnectionState is the state of the session's connection to the server.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("connection_state(%d)", int(s))
	}
}

// Direction selects the upload or download progress stream.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Mode selects how a progress stream treats newly outstanding work.
type Mode int

const (
	// ForCurrentlyOutstandingWork fixes the transferable amount when the stream starts and
	// ends once it has been transferred.
	ForCurrentlyOutstandingWork Mode = iota
	// ReportIndefinitely follows the growing transferable amount and never ends by itself.
	ReportIndefinitely
)

func (m Mode) String() string {
	if m == ForCurrentlyOutstandingWork {
		return "for_currently_outstanding_work"
	}
	return "report_indefinitely"
}
