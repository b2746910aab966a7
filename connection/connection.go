// Package connection implements the per-client session engine: an outbound
// packet queue, state-guarded writes pinned to the transport's home loop,
// keep-alive accounting, and an idempotent close that always ends with the
// connection leaving the live registry. One Connection exists per accepted
// client for the whole life of the session.
package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-gamenet/logger"
	"github.com/cyberinferno/go-gamenet/protocol"
	"github.com/cyberinferno/go-gamenet/transport"
)

// DefaultTimeout is how long a peer may stay silent before CheckAlive asks
// the listener to disconnect it.
const DefaultTimeout = 30 * time.Second

var (
	// ErrClosed is returned by operations that need a live connection.
	ErrClosed = errors.New("connection closed")
	// ErrNotAttached is returned by operations that need a transport binding.
	ErrNotAttached = errors.New("connection not attached to a transport")
)

// Registry tracks live connections. The engine notifies it on every
// post-close operation, not just once, so Remove must be idempotent.
type Registry interface {
	Remove(c *Connection)
}

// Params bundles what a Connection is constructed with. ID and ServerAddr
// are required; nil collaborators fall back to inert defaults so the engine
// never has to nil-check them.
type Params struct {
	// ID is the server-assigned connection identifier.
	ID uint32
	// ServerAddr is the address the client dialed, echoed in status handling.
	ServerAddr string
	// Listener receives inbound packets until SetListener swaps it. Defaults
	// to a listener that drops packets and closes on Disconnect.
	Listener protocol.Listener
	// Encoder serializes outbound packets.
	Encoder protocol.Encoder
	// Registry is notified when the connection closes.
	Registry Registry
	// Logger receives engine lifecycle events.
	Logger logger.Logger
	// Timeout is the keep-alive silence limit; zero means DefaultTimeout.
	Timeout time.Duration
	// OnUnsafeClose fires once when the connection closes without the peer
	// having been given a chance to react, e.g. after an I/O failure.
	OnUnsafeClose func()
}

// Connection is the engine driving one client session. It is created in the
// preparing phase before any transport exists; OnActive attaches the binding
// and from then on every transport mutation is routed to the binding's home
// loop. Packets sent while no binding is open wait in a FIFO queue and drain
// in order once traffic flows. All methods are safe for concurrent use.
type Connection struct {
	id            uint32
	serverAddr    string
	enc           protocol.Encoder
	registry      Registry
	log           logger.Logger
	timeout       time.Duration
	onUnsafeClose func()

	queue *packetQueue

	mu         sync.RWMutex
	binding    transport.Binding
	listener   protocol.Listener
	remoteAddr net.Addr
	reason     string
	hasReason  bool

	closed    atomic.Bool
	preparing atomic.Bool

	lastKeepAlive atomic.Int64 // unix milliseconds
	ping          atomic.Int32 // round-trip time in milliseconds
	version       atomic.Int32 // protocol number the client declared
}

// New creates a Connection in the preparing phase.
//
// Parameters:
//   - p: Construction parameters; see Params for defaults
//
// Returns:
//   - A new *Connection waiting for its transport binding.
func New(p Params) *Connection {
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Registry == nil {
		p.Registry = nopRegistry{}
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	c := &Connection{
		id:            p.ID,
		serverAddr:    p.ServerAddr,
		enc:           p.Encoder,
		registry:      p.Registry,
		log:           p.Logger,
		timeout:       p.Timeout,
		onUnsafeClose: p.OnUnsafeClose,
		queue:         newPacketQueue(),
	}
	if p.Listener != nil {
		c.listener = p.Listener
	} else {
		c.listener = fallbackListener{c: c}
	}
	c.preparing.Store(true)
	c.lastKeepAlive.Store(time.Now().UnixMilli())
	return c
}

// ID returns the server-assigned connection identifier.
func (c *Connection) ID() uint32 {
	return c.id
}

// ServerAddr returns the address the client dialed.
func (c *Connection) ServerAddr() string {
	return c.serverAddr
}

// RemoteAddr returns the peer's network address. The second return is false
// until a transport has been attached.
func (c *Connection) RemoteAddr() (net.Addr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddr, c.remoteAddr != nil
}

// Binding returns the attached transport binding, reporting false while the
// connection is still preparing.
func (c *Connection) Binding() (transport.Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.binding, c.binding != nil
}

// DisconnectMessage returns the reason recorded when the transport was torn
// down, reporting false if none was recorded.
func (c *Connection) DisconnectMessage() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason, c.hasReason
}

// IsClosed reports whether Close has run.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// IsPreparing reports whether the connection is still waiting for its
// transport binding.
func (c *Connection) IsPreparing() bool {
	return c.preparing.Load()
}

// Protocol returns the protocol phase recorded on the transport, or
// Handshake while no transport is attached.
func (c *Connection) Protocol() protocol.State {
	if b, ok := c.Binding(); ok {
		return b.State()
	}
	return protocol.Handshake
}

// ProtocolVersion returns the protocol number the client declared during the
// handshake.
func (c *Connection) ProtocolVersion() int32 {
	return c.version.Load()
}

// SetProtocolVersion records the protocol number the client declared.
func (c *Connection) SetProtocolVersion(v int32) {
	c.version.Store(v)
}

// Ping returns the last measured keep-alive round trip in milliseconds.
func (c *Connection) Ping() int32 {
	return c.ping.Load()
}

// SetPing records a keep-alive round trip measurement in milliseconds.
func (c *Connection) SetPing(ms int32) {
	c.ping.Store(ms)
}

// UpdateKeepAlive marks the peer as alive now. Inbound listeners call this
// whenever the client shows signs of life.
func (c *Connection) UpdateKeepAlive() {
	c.lastKeepAlive.Store(time.Now().UnixMilli())
}

// SetListener swaps the inbound packet listener. Listeners install their
// successor as the session advances through the protocol phases.
func (c *Connection) SetListener(l protocol.Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Send queues or writes one outbound packet. On a closed connection it only
// re-notifies the registry; with no open transport it enqueues; otherwise it
// drains the queue and writes, keeping packets in submission order.
func (c *Connection) Send(pkt protocol.Packet) {
	c.SendWith(pkt)
}

// SendWith sends a packet and runs callbacks with the write result once it
// is encoded and handed to the transport. Callbacks queue along with the
// packet while no transport is open and are dropped, never invoked, if the
// connection closes first.
func (c *Connection) SendWith(pkt protocol.Packet, callbacks ...WriteCallback) {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	if c.bindingOpen() {
		c.drainQueue()
		c.writePacket(pkt, callbacks)
		return
	}
	c.queue.Add(NewQueuedPacket(pkt, callbacks...))
}

// SendBatch sends packets in order under the same rules as Send.
func (c *Connection) SendBatch(packets ...protocol.Packet) {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	if c.bindingOpen() {
		c.drainQueue()
		for _, pkt := range packets {
			c.writePacket(pkt, nil)
		}
		return
	}
	for _, pkt := range packets {
		c.queue.Add(NewQueuedPacket(pkt))
	}
}

// Update drains queued packets and flushes the transport. The server calls
// it once per tick for every live connection.
func (c *Connection) Update() {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	c.drainQueue()
	b, ok := c.bindingRef()
	if !ok || !b.IsOpen() {
		return
	}
	loop := b.Loop()
	if loop.IsCurrent() {
		c.flushOnLoop(b)
	} else {
		loop.Schedule(func() { c.flushOnLoop(b) })
	}
}

// CheckAlive asks the listener to disconnect peers that have been silent for
// longer than the configured timeout. Runs once per tick.
func (c *Connection) CheckAlive() {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	idle := time.Since(time.UnixMilli(c.lastKeepAlive.Load()))
	if idle > c.timeout {
		c.currentListener().Disconnect("Timeout")
	}
}

// CheckConnection asks the listener to disconnect sessions whose transport
// died underneath them, using the recorded disconnect reason when one
// exists. Runs once per tick.
func (c *Connection) CheckConnection() {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	if c.bindingOpen() {
		return
	}
	reason, ok := c.DisconnectMessage()
	if !ok {
		reason = "Disconnected"
	}
	c.currentListener().Disconnect(reason)
}

// DispatchInbound hands a decoded packet to the current listener. Packets
// arriving after close or after the transport dropped are discarded.
func (c *Connection) DispatchInbound(pkt protocol.Packet) {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	if !c.bindingOpen() {
		return
	}
	c.currentListener().HandlePacket(pkt)
}

// SetProtocol moves the transport to a new protocol phase outside of a
// packet write, e.g. when the handshake listener routes to the status flow.
// Illegal transitions terminate the session.
func (c *Connection) SetProtocol(state protocol.State) {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	c.applyProtocol(state)
}

// EnableEncryption splices the cipher stage into the transport using the
// shared secret negotiated during login. Must be invoked from the home loop,
// which listener callbacks already are.
func (c *Connection) EnableEncryption(secret []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	b, ok := c.bindingRef()
	if !ok {
		return ErrNotAttached
	}
	return b.EnableEncryption(secret)
}

// SetCompression splices the compression stage into the transport. Must be
// invoked from the home loop, which listener callbacks already are.
func (c *Connection) SetCompression(threshold int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	b, ok := c.bindingRef()
	if !ok {
		return ErrNotAttached
	}
	return b.SetCompression(threshold)
}

// Close tears the session down: clears the queue, closes the transport if
// one is open recording reason as the disconnect message, and removes the
// connection from the registry. Idempotent; only the first call acts. A safe
// close means the peer was told why beforehand; safe=false additionally
// fires the OnUnsafeClose hook.
func (c *Connection) Close(reason string, safe bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.preparing.Store(false)
	c.queue.Clear()
	if !safe && c.onUnsafeClose != nil {
		c.onUnsafeClose()
	}
	if b, ok := c.bindingRef(); ok && b.IsOpen() {
		if err := b.Close(); err != nil {
			c.log.Debug("transport close failed",
				logger.Field{Key: "id", Value: c.id},
				logger.Field{Key: "error", Value: err.Error()})
		}
		c.setReason(reason)
	}
	c.log.Debug("connection closed",
		logger.Field{Key: "id", Value: c.id},
		logger.Field{Key: "reason", Value: reason},
		logger.Field{Key: "safe", Value: safe})
	c.closeNotify()
}

// OnActive implements transport.Handler. It attaches the binding, leaves the
// preparing phase, and records the initial Handshake state on the transport.
func (c *Connection) OnActive(b transport.Binding) {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	c.mu.Lock()
	c.binding = b
	c.remoteAddr = b.RemoteAddr()
	c.mu.Unlock()
	c.preparing.Store(false)
	c.UpdateKeepAlive()
	c.SetProtocol(protocol.Handshake)
}

// OnInactive implements transport.Handler. The peer ended the stream, which
// is an unsafe close from its point of view.
func (c *Connection) OnInactive() {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	c.Close("End of stream", false)
}

// OnPacket implements transport.Handler.
func (c *Connection) OnPacket(pkt protocol.Packet) {
	c.DispatchInbound(pkt)
}

// OnError implements transport.Handler. Transport errors are fatal: with an
// open binding the whole close path runs, telling the peer what happened.
// With no open binding there is nothing to tear down, so the engine only
// clears the queue, records the failure as the disconnect reason for
// CheckConnection to report, and re-notifies the registry.
func (c *Connection) OnError(err error) {
	c.log.Debug("connection error",
		logger.Field{Key: "id", Value: c.id},
		logger.Field{Key: "error", Value: err.Error()})
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	reason := "Internal error: " + err.Error()
	if c.bindingOpen() {
		c.Close(reason, false)
		return
	}
	c.preparing.Store(false)
	c.queue.Clear()
	c.setReason(reason)
	c.closeNotify()
}

// QueuedPackets returns the number of packets waiting for a transport.
func (c *Connection) QueuedPackets() int {
	return c.queue.Len()
}

// drainQueue writes out every queued packet in FIFO order. Safe to race with
// producers; each Poll hands out one packet exactly once.
func (c *Connection) drainQueue() {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	if !c.bindingOpen() {
		return
	}
	for {
		qp, ok := c.queue.Poll()
		if !ok {
			return
		}
		c.writePacket(qp.Packet(), qp.Callbacks())
	}
}

// writePacket routes one packet write to the transport's home loop. When the
// packet belongs to a different phase than the transport records, inbound
// reading pauses until the transition is applied on the loop, so the decoder
// never interprets bytes under a stale state.
func (c *Connection) writePacket(pkt protocol.Packet, callbacks []WriteCallback) {
	if c.closed.Load() {
		c.closeNotify()
		return
	}
	b, ok := c.bindingRef()
	if !ok {
		return
	}
	target := pkt.State()
	paused := target != b.State()
	if paused {
		b.SetAutoRead(false)
	}
	loop := b.Loop()
	if loop.IsCurrent() {
		c.writeOnLoop(b, pkt, target, paused, callbacks)
	} else {
		loop.Schedule(func() { c.writeOnLoop(b, pkt, target, paused, callbacks) })
	}
}

// writeOnLoop performs the state transition, encode, and write on the home
// loop. A write scheduled before Close but running after it is a silent
// no-op. Encode and transport failures are fatal after the callbacks have
// seen them.
func (c *Connection) writeOnLoop(b transport.Binding, pkt protocol.Packet, target protocol.State, paused bool, callbacks []WriteCallback) {
	if c.closed.Load() {
		return
	}
	if target != b.State() {
		if !c.applyProtocol(target) {
			return
		}
	} else if paused {
		// Another write applied the transition first; reopen the gate.
		b.SetAutoRead(true)
	}
	payload, err := c.enc.Encode(pkt)
	if err == nil {
		err = b.Write(payload)
	}
	for _, cb := range callbacks {
		cb(err)
	}
	if err != nil {
		c.OnError(fmt.Errorf("write %s packet: %w", target, err))
	}
}

func (c *Connection) flushOnLoop(b transport.Binding) {
	if c.closed.Load() {
		return
	}
	if err := b.Flush(); err != nil {
		c.OnError(fmt.Errorf("flush: %w", err))
	}
}

// applyProtocol records the target phase on the transport and re-enables
// inbound reading. An illegal transition is a protocol violation: it is
// logged and the session is terminated.
func (c *Connection) applyProtocol(target protocol.State) bool {
	b, ok := c.bindingRef()
	if !ok {
		return false
	}
	current := b.State()
	if current != target && !current.CanTransitionTo(target) {
		stateErr := &protocol.StateError{From: current, To: target}
		c.log.Error("protocol violation",
			logger.Field{Key: "id", Value: c.id},
			logger.Field{Key: "error", Value: stateErr.Error()})
		c.Close("Protocol violation", false)
		return false
	}
	b.SetState(target)
	b.SetAutoRead(true)
	return true
}

// closeNotify removes the connection from the registry. Removal is
// idempotent, so every post-close operation may re-notify.
func (c *Connection) closeNotify() {
	c.registry.Remove(c)
}

func (c *Connection) bindingRef() (transport.Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.binding, c.binding != nil
}

func (c *Connection) bindingOpen() bool {
	b, ok := c.bindingRef()
	return ok && b.IsOpen()
}

func (c *Connection) currentListener() protocol.Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listener
}

func (c *Connection) setReason(reason string) {
	c.mu.Lock()
	c.reason = reason
	c.hasReason = true
	c.mu.Unlock()
}

// nopRegistry keeps the engine free of nil checks when no registry is wired.
type nopRegistry struct{}

func (nopRegistry) Remove(*Connection) {}

// fallbackListener covers the window before the handshake listener is
// installed: packets are dropped and a disconnect request simply closes.
type fallbackListener struct{ c *Connection }

func (fallbackListener) HandlePacket(protocol.Packet) {}

func (l fallbackListener) Disconnect(reason string) { l.c.Close(reason, true) }
