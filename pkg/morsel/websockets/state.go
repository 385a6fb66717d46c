package websockets

import "fmt"

// ConnectionState is the lifecycle position of a Connection.
type ConnectionState int32

const (
	StateIdle       ConnectionState = iota // Built, not started
	StateConnecting                        // Loops running, waiting for the connection id
	StateOpen                              // Invocations allowed in both directions
	StateClosing                           // Teardown in progress
	StateClosed                            // Loops stopped; Err reports the cause
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Role selects which side of the protocol a Connection plays. The server
// assigns the connection id and announces it with the first frame; the
// client waits for that announcement before it is open.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}
