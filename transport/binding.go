// Package transport owns the binding between a session and its remote peer:
// the surface the connection engine drives writes and lifecycle through, the
// handler callbacks a binding reports events to, and a TCP implementation.
// Bindings are loop-affine: every callback fires on the binding's home loop,
// and mutating operations must be invoked there.
package transport

import (
	"io"
	"net"

	"github.com/cyberinferno/go-gamenet/protocol"
)

// Loop is the home execution context of a binding. All transport mutation is
// confined to it; see the eventloop package for the concrete implementation.
type Loop interface {
	// IsCurrent reports whether the calling goroutine is the loop goroutine.
	IsCurrent() bool
	// Schedule enqueues task to run on the loop goroutine. It never blocks.
	Schedule(task func())
}

// Handler receives binding lifecycle and inbound events. Every callback is
// invoked on the binding's home loop, one at a time.
type Handler interface {
	// OnActive fires once when the binding is attached and ready for traffic.
	OnActive(b Binding)
	// OnInactive fires when the stream ends, locally or from the peer.
	OnInactive()
	// OnPacket delivers one decoded inbound packet.
	OnPacket(pkt protocol.Packet)
	// OnError reports a read or decode failure. Transport errors are fatal
	// for the session.
	OnError(err error)
}

// Stage is a codec layer spliced into the binding's byte stream, such as a
// cipher or a compressor. A stage affects bytes written after it is applied,
// never bytes already handed to the socket.
type Stage interface {
	// Reader wraps the inbound side of the stream.
	Reader(r io.Reader) io.Reader
	// Writer wraps the outbound side of the stream.
	Writer(w io.Writer) io.Writer
}

// CipherFunc builds the encryption stage from the shared secret negotiated
// during login.
type CipherFunc func(secret []byte) (Stage, error)

// CompressorFunc builds the compression stage for the given minimum payload
// size negotiated during login.
type CompressorFunc func(threshold int) (Stage, error)

// Binding is the live transport a session writes through. Write, Flush,
// SetState, EnableEncryption, and SetCompression must be called on the home
// loop; the remaining methods are safe from any goroutine.
type Binding interface {
	// IsOpen reports whether the binding still accepts traffic.
	IsOpen() bool
	// Write appends encoded packet bytes to the outbound buffer.
	Write(p []byte) error
	// Flush pushes buffered outbound bytes to the peer.
	Flush() error
	// Close tears the binding down. Idempotent; pending loop writes complete
	// before the socket closes.
	Close() error
	// RemoteAddr returns the peer's network address.
	RemoteAddr() net.Addr
	// SetAutoRead resumes (true) or suspends (false) inbound reading. The
	// suspension takes effect at the next packet boundary.
	SetAutoRead(enabled bool)
	// State returns the protocol phase recorded on the binding.
	State() protocol.State
	// SetState records the protocol phase on the binding.
	SetState(s protocol.State)
	// Loop returns the binding's home execution context.
	Loop() Loop
	// EnableEncryption splices the cipher stage into the stream.
	EnableEncryption(secret []byte) error
	// SetCompression splices the compression stage into the stream.
	SetCompression(threshold int) error
}
