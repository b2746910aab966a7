package connection

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/cyberinferno/go-gamenet/protocol"
)

// WriteCallback is invoked exactly once with the result of a packet write:
// nil on success, the encode or transport error otherwise. Callbacks run on
// the connection's home loop.
type WriteCallback func(err error)

// QueuedPacket pairs a packet with the callbacks to run once it is written.
// It is immutable after construction.
type QueuedPacket struct {
	packet    protocol.Packet
	callbacks []WriteCallback
}

// NewQueuedPacket builds a queue entry for pkt. The callback slice is copied
// so later mutation by the caller cannot reach the queue.
func NewQueuedPacket(pkt protocol.Packet, callbacks ...WriteCallback) QueuedPacket {
	var cbs []WriteCallback
	if len(callbacks) > 0 {
		cbs = make([]WriteCallback, len(callbacks))
		copy(cbs, callbacks)
	}
	return QueuedPacket{packet: pkt, callbacks: cbs}
}

// Packet returns the queued packet.
func (q QueuedPacket) Packet() protocol.Packet {
	return q.packet
}

// Callbacks returns the write callbacks attached to the packet.
func (q QueuedPacket) Callbacks() []WriteCallback {
	return q.callbacks
}

// packetQueue is the connection's outbound FIFO: many goroutines append
// while the transport is down, one drain pass empties it in arrival order.
type packetQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newPacketQueue() *packetQueue {
	return &packetQueue{q: queue.New()}
}

func (p *packetQueue) Add(qp QueuedPacket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.q.Add(qp)
}

// Poll removes and returns the oldest entry, reporting false on an empty
// queue.
func (p *packetQueue) Poll() (QueuedPacket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.Length() == 0 {
		return QueuedPacket{}, false
	}
	return p.q.Remove().(QueuedPacket), true
}

// Clear drops every entry without invoking callbacks.
func (p *packetQueue) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.q.Length() > 0 {
		p.q.Remove()
	}
}

func (p *packetQueue) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Length()
}
