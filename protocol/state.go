// Package protocol defines the phases of a client session, the legal
// transitions between them, and the boundary contracts the connection engine
// exchanges packets through: opaque packets tagged with their phase, the
// listener that consumes decoded packets, and the codec that turns packets
// into wire bytes and back. Payload formats themselves live behind the codec
// interfaces and are never inspected by the engine.
package protocol

// State represents the protocol phase of a client session. The phase gates
// which packet types are valid on the wire; the decoder selects its packet
// table from it and the engine keeps the transport's recorded phase in step
// with the outbound stream.
type State int32

const (
	// Handshake is the initial phase of every session. The client's first
	// packet declares whether it wants the status or login flow.
	Handshake State = iota
	// Status serves the server-list ping and never advances further.
	Status
	// Login covers authentication, encryption setup, and compression setup.
	Login
	// Play is the terminal phase carrying game traffic.
	Play
)

// String returns a human-readable name for the protocol state.
func (s State) String() string {
	switch s {
	case Handshake:
		return "Handshake"
	case Status:
		return "Status"
	case Login:
		return "Login"
	case Play:
		return "Play"
	default:
		return "Unknown"
	}
}

// CanTransitionTo reports whether moving from s to target is a legal phase
// change. The table is intentionally small: Handshake may move to Status or
// Login, Login may move to Play, and Status and Play are terminal. No phase
// ever transitions back to Handshake.
//
// Parameters:
//   - target: The phase the session wants to move to
//
// Returns:
//   - true if the transition is legal, false otherwise
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case Handshake:
		return target == Status || target == Login
	case Login:
		return target == Play
	default:
		return false
	}
}
