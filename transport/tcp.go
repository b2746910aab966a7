package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-gamenet/protocol"
)

const closeFlushTimeout = 5 * time.Second

var (
	// ErrBindingClosed is returned by writes after the binding closed.
	ErrBindingClosed = errors.New("transport binding closed")
	// ErrNoCipher is returned by EnableEncryption when no cipher stage was configured.
	ErrNoCipher = errors.New("no cipher stage configured")
	// ErrNoCompressor is returned by SetCompression when no compression stage was configured.
	ErrNoCompressor = errors.New("no compression stage configured")
)

// Config holds configuration for a TCP binding.
type Config struct {
	// ReadBufferSize is the size of the buffered reader in front of the decoder.
	ReadBufferSize int
	// WriteBufferSize is the size of the outbound buffer; Flush pushes it to the socket.
	WriteBufferSize int
	// Cipher builds the encryption stage once login negotiates a shared secret.
	// Nil when the server runs without encryption.
	Cipher CipherFunc
	// Compressor builds the compression stage once login enables compression.
	// Nil when the server runs without compression.
	Compressor CompressorFunc
}

// DefaultTCPBindingConfig returns a Config with 4096-byte read and write
// buffers and no cipher or compressor stages.
func DefaultTCPBindingConfig() Config {
	return Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// TCPBinding drives one TCP connection: a read pump decodes inbound packets
// and hands them to the handler on the home loop, while outbound writes go
// through a buffered writer owned by the loop. The recorded protocol state
// selects the decoder's packet table, and the auto-read gate lets the engine
// pause decoding at a packet boundary while a state change is in flight.
type TCPBinding struct {
	conn net.Conn
	loop Loop
	dec  protocol.Decoder
	cfg  Config

	state atomic.Int32
	open  atomic.Bool
	gate  *readGate

	closeOnce sync.Once
	closed    chan struct{}

	// w and base are loop-confined; reader belongs to the read pump, with
	// stage splices handed over through readStages.
	w    *bufio.Writer
	base io.Writer

	stageMu    sync.Mutex
	readStages []Stage
	reader     io.Reader
}

// NewTCPBinding wraps conn in a binding homed on loop, decoding inbound
// traffic with dec. The binding starts open, in the Handshake state, with
// reading enabled; call Start to begin pumping.
//
// Parameters:
//   - conn: The accepted TCP connection
//   - loop: The home execution context for all I/O on this binding
//   - dec: The packet decoder for inbound traffic
//   - cfg: Buffer sizes and optional codec stages (e.g. from DefaultTCPBindingConfig)
//
// Returns:
//   - A new *TCPBinding ready to be started.
func NewTCPBinding(conn net.Conn, loop Loop, dec protocol.Decoder, cfg Config) *TCPBinding {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 4096
	}
	b := &TCPBinding{
		conn:   conn,
		loop:   loop,
		dec:    dec,
		cfg:    cfg,
		gate:   newReadGate(),
		closed: make(chan struct{}),
		base:   conn,
		reader: bufio.NewReaderSize(conn, cfg.ReadBufferSize),
	}
	b.w = bufio.NewWriterSize(b.base, cfg.WriteBufferSize)
	b.open.Store(true)
	return b
}

// Start announces the binding to the handler and launches the read pump.
// OnActive is guaranteed to run before any OnPacket.
func (b *TCPBinding) Start(h Handler) {
	b.loop.Schedule(func() { h.OnActive(b) })
	go b.readPump(h)
}

// IsOpen reports whether the binding still accepts traffic.
func (b *TCPBinding) IsOpen() bool {
	return b.open.Load()
}

// Write appends encoded packet bytes to the outbound buffer. Must be called
// on the home loop.
func (b *TCPBinding) Write(p []byte) error {
	if !b.open.Load() {
		return ErrBindingClosed
	}
	_, err := b.w.Write(p)
	return err
}

// Flush pushes buffered outbound bytes to the socket. Must be called on the
// home loop.
func (b *TCPBinding) Flush() error {
	if !b.open.Load() {
		return ErrBindingClosed
	}
	return b.w.Flush()
}

// Close marks the binding closed and schedules the socket teardown on the
// home loop, so writes already queued there complete and get flushed first.
// Idempotent and safe from any goroutine.
func (b *TCPBinding) Close() error {
	b.closeOnce.Do(func() {
		b.open.Store(false)
		close(b.closed)
		if b.loop.IsCurrent() {
			b.closeOnLoop()
		} else {
			b.loop.Schedule(b.closeOnLoop)
		}
	})
	return nil
}

func (b *TCPBinding) closeOnLoop() {
	// Deadline keeps a stalled peer from wedging the loop on the final flush.
	_ = b.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
	_ = b.w.Flush()
	_ = b.conn.Close()
}

// RemoteAddr returns the peer's network address.
func (b *TCPBinding) RemoteAddr() net.Addr {
	return b.conn.RemoteAddr()
}

// SetAutoRead resumes or suspends the read pump. Suspension takes effect at
// the next packet boundary; a decode already in progress is not interrupted.
func (b *TCPBinding) SetAutoRead(enabled bool) {
	b.gate.set(enabled)
}

// State returns the protocol phase recorded on the binding.
func (b *TCPBinding) State() protocol.State {
	return protocol.State(b.state.Load())
}

// SetState records the protocol phase on the binding. The read pump picks it
// up at the next packet boundary.
func (b *TCPBinding) SetState(s protocol.State) {
	b.state.Store(int32(s))
}

// Loop returns the binding's home execution context.
func (b *TCPBinding) Loop() Loop {
	return b.loop
}

// EnableEncryption builds the configured cipher stage from secret and splices
// it into the stream. Must be called on the home loop; encrypts bytes written
// afterwards, never bytes already flushed.
func (b *TCPBinding) EnableEncryption(secret []byte) error {
	if b.cfg.Cipher == nil {
		return ErrNoCipher
	}
	stage, err := b.cfg.Cipher(secret)
	if err != nil {
		return err
	}
	return b.applyStage(stage)
}

// SetCompression builds the configured compression stage for threshold and
// splices it into the stream. Must be called on the home loop.
func (b *TCPBinding) SetCompression(threshold int) error {
	if b.cfg.Compressor == nil {
		return ErrNoCompressor
	}
	stage, err := b.cfg.Compressor(threshold)
	if err != nil {
		return err
	}
	return b.applyStage(stage)
}

// applyStage flushes pending output, wraps the writer immediately, and hands
// the reader wrap to the pump so it applies at the next packet boundary.
func (b *TCPBinding) applyStage(stage Stage) error {
	if err := b.w.Flush(); err != nil {
		return err
	}
	b.base = stage.Writer(b.base)
	b.w = bufio.NewWriterSize(b.base, b.cfg.WriteBufferSize)
	b.stageMu.Lock()
	b.readStages = append(b.readStages, stage)
	b.stageMu.Unlock()
	return nil
}

// readPump decodes packets until the stream ends. Each packet is dispatched
// to the handler on the home loop and the pump waits for the dispatch to
// finish before decoding the next one, so a stage or state change made by the
// handler is in place before more bytes are interpreted.
func (b *TCPBinding) readPump(h Handler) {
	for {
		if !b.gate.wait(b.closed) {
			b.loop.Schedule(h.OnInactive)
			return
		}
		b.applyReadStages()
		pkt, err := b.dec.Decode(b.reader, b.State())
		if err != nil {
			if b.streamEnded(err) {
				b.loop.Schedule(h.OnInactive)
			} else {
				b.loop.Schedule(func() { h.OnError(err) })
			}
			return
		}
		done := make(chan struct{})
		b.loop.Schedule(func() {
			defer close(done)
			h.OnPacket(pkt)
		})
		select {
		case <-done:
		case <-b.closed:
			return
		}
	}
}

func (b *TCPBinding) applyReadStages() {
	b.stageMu.Lock()
	stages := b.readStages
	b.readStages = nil
	b.stageMu.Unlock()
	for _, s := range stages {
		b.reader = s.Reader(b.reader)
	}
}

// streamEnded reports whether a decode error means the peer or the binding
// itself ended the stream, as opposed to a protocol-level failure.
func (b *TCPBinding) streamEnded(err error) bool {
	if !b.open.Load() {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// readGate pauses the read pump between packets. The pump waits on the gate
// before each decode; set swaps the channel to pause or resume.
type readGate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newReadGate() *readGate {
	g := &readGate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *readGate) set(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if enabled {
		select {
		case <-g.open:
		default:
			close(g.open)
		}
		return
	}
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

func (g *readGate) wait(abort <-chan struct{}) bool {
	select {
	case <-abort:
		return false
	default:
	}
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-abort:
		return false
	}
}
