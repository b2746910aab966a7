package protocol

import "io"

// Packet is an opaque protocol message. The engine never looks at payloads;
// it only needs the phase a packet belongs to so outbound writes can keep the
// transport's recorded state in step with the stream.
type Packet interface {
	// State returns the protocol phase this packet belongs to.
	State() State
}

// Listener consumes decoded inbound packets for the phase a session is in
// and owns the disconnect policy for that phase. Implementations swap as the
// session advances: the handshake listener installs the status or login
// listener, the login listener installs the play listener.
type Listener interface {
	// HandlePacket dispatches one decoded inbound packet to game logic.
	HandlePacket(pkt Packet)
	// Disconnect asks the listener to end the session with a human-readable
	// reason. Listeners typically send a kick packet before closing so the
	// peer learns why it was dropped.
	Disconnect(reason string)
}

// Encoder serializes outbound packets. Framing, compression framing, and
// per-packet layout are the encoder's business; the engine hands the result
// to the transport unchanged.
type Encoder interface {
	// Encode returns the wire bytes for pkt.
	Encode(pkt Packet) ([]byte, error)
}

// Decoder reads inbound packets off the stream. The per-phase packet tables
// live here: a decoder must reject packet types that are not valid for the
// state it was asked to decode in.
type Decoder interface {
	// Decode blocks until one full packet is read from r, decoding it
	// against the packet table for state.
	Decode(r io.Reader, state State) (Packet, error)
}
