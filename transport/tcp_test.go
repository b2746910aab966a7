package transport

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-gamenet/eventloop"
	"github.com/cyberinferno/go-gamenet/protocol"
)

var errBadFrame = errors.New("bad frame marker")

// framePacket is what the test decoder produces: one length-prefixed payload
// tagged with the state it was decoded in.
type framePacket struct {
	state   protocol.State
	payload []byte
}

func (p framePacket) State() protocol.State { return p.state }

// frameDecoder reads a single length byte followed by that many payload
// bytes. A length byte of 0xFF simulates a malformed frame.
type frameDecoder struct{}

func (frameDecoder) Decode(r io.Reader, state protocol.State) (protocol.Packet, error) {
	var length [1]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	if length[0] == 0xFF {
		return nil, errBadFrame
	}
	payload := make([]byte, length[0])
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return framePacket{state: state, payload: payload}, nil
}

func frame(payload string) []byte {
	return append([]byte{byte(len(payload))}, payload...)
}

// xorStage is a toy cipher for exercising stage splicing.
type xorStage struct{ key byte }

func (s xorStage) Reader(r io.Reader) io.Reader { return &xorReader{r: r, key: s.key} }
func (s xorStage) Writer(w io.Writer) io.Writer { return &xorWriter{w: w, key: s.key} }

type xorReader struct {
	r   io.Reader
	key byte
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	for i := 0; i < n; i++ {
		p[i] ^= x.key
	}
	return n, err
}

type xorWriter struct {
	w   io.Writer
	key byte
}

func (x *xorWriter) Write(p []byte) (int, error) {
	enc := make([]byte, len(p))
	for i, b := range p {
		enc[i] = b ^ x.key
	}
	return x.w.Write(enc)
}

func xorBytes(p []byte, key byte) []byte {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ key
	}
	return out
}

// recordingHandler funnels binding events into channels the test can wait on.
type recordingHandler struct {
	active   chan Binding
	inactive chan struct{}
	packets  chan protocol.Packet
	errs     chan error

	onPacket func(b Binding, pkt protocol.Packet)
	binding  Binding
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		active:   make(chan Binding, 1),
		inactive: make(chan struct{}, 4),
		packets:  make(chan protocol.Packet, 16),
		errs:     make(chan error, 4),
	}
}

func (h *recordingHandler) OnActive(b Binding) {
	h.binding = b
	h.active <- b
}

func (h *recordingHandler) OnInactive() {
	h.inactive <- struct{}{}
}

func (h *recordingHandler) OnPacket(pkt protocol.Packet) {
	if h.onPacket != nil {
		h.onPacket(h.binding, pkt)
	}
	h.packets <- pkt
}

func (h *recordingHandler) OnError(err error) {
	h.errs <- err
}

func startBinding(t *testing.T, cfg Config) (*TCPBinding, net.Conn, *recordingHandler) {
	t.Helper()
	local, peer := net.Pipe()
	loop := eventloop.NewLoop(nil)
	loop.Start()
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
		loop.Stop()
	})

	b := NewTCPBinding(local, loop, frameDecoder{}, cfg)
	h := newRecordingHandler()
	b.Start(h)
	t.Cleanup(func() { _ = b.Close() })

	select {
	case <-h.active:
	case <-time.After(2 * time.Second):
		t.Fatal("binding never became active")
	}
	return b, peer, h
}

func expectPacket(t *testing.T, h *recordingHandler) framePacket {
	t.Helper()
	select {
	case pkt := <-h.packets:
		return pkt.(framePacket)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return framePacket{}
	}
}

func expectNoPacket(t *testing.T, h *recordingHandler, d time.Duration) {
	t.Helper()
	select {
	case pkt := <-h.packets:
		t.Fatalf("unexpected packet %v", pkt)
	case <-time.After(d):
	}
}

func expectInactive(t *testing.T, h *recordingHandler) {
	t.Helper()
	select {
	case <-h.inactive:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inactive")
	}
}

func TestTCPBindingDeliversPacketsInOrder(t *testing.T) {
	_, peer, h := startBinding(t, DefaultTCPBindingConfig())

	go func() {
		_, _ = peer.Write(frame("first"))
		_, _ = peer.Write(frame("second"))
	}()

	assert.Equal(t, "first", string(expectPacket(t, h).payload))
	assert.Equal(t, "second", string(expectPacket(t, h).payload))
}

func TestTCPBindingDecodesAgainstRecordedState(t *testing.T) {
	_, peer, h := startBinding(t, DefaultTCPBindingConfig())

	// A state change made during dispatch is in place before the next frame
	// is decoded, because the pump waits for each dispatch to finish.
	h.onPacket = func(b Binding, _ protocol.Packet) { b.SetState(protocol.Status) }

	go func() {
		_, _ = peer.Write(frame("hello"))
		_, _ = peer.Write(frame("ping"))
	}()

	assert.Equal(t, protocol.Handshake, expectPacket(t, h).state)
	assert.Equal(t, protocol.Status, expectPacket(t, h).state)
}

func TestTCPBindingAutoReadGate(t *testing.T) {
	b, peer, h := startBinding(t, DefaultTCPBindingConfig())

	// Pause reading from inside the dispatch of the first packet, so the
	// pump parks at the gate instead of decoding ahead.
	h.onPacket = func(b Binding, _ protocol.Packet) { b.SetAutoRead(false) }

	go func() {
		_, _ = peer.Write(frame("one"))
		_, _ = peer.Write(frame("two"))
	}()

	assert.Equal(t, "one", string(expectPacket(t, h).payload))
	expectNoPacket(t, h, 100*time.Millisecond)

	b.SetAutoRead(true)
	assert.Equal(t, "two", string(expectPacket(t, h).payload))
}

func TestTCPBindingPeerCloseFiresOnInactive(t *testing.T) {
	_, peer, h := startBinding(t, DefaultTCPBindingConfig())

	require.NoError(t, peer.Close())
	expectInactive(t, h)
}

func TestTCPBindingLocalCloseFiresOnInactive(t *testing.T) {
	b, _, h := startBinding(t, DefaultTCPBindingConfig())

	require.NoError(t, b.Close())
	expectInactive(t, h)
	assert.False(t, b.IsOpen())

	// Close is idempotent.
	require.NoError(t, b.Close())
}

func TestTCPBindingDecodeErrorFiresOnError(t *testing.T) {
	_, peer, h := startBinding(t, DefaultTCPBindingConfig())

	go func() { _, _ = peer.Write([]byte{0xFF}) }()

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, errBadFrame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decode error")
	}
}

func TestTCPBindingWriteAndFlush(t *testing.T) {
	b, peer, _ := startBinding(t, DefaultTCPBindingConfig())

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 5)
		if _, err := io.ReadFull(peer, buf); err == nil {
			read <- buf
		}
	}()

	b.Loop().Schedule(func() {
		assert.NoError(t, b.Write([]byte("hello")))
		assert.NoError(t, b.Flush())
	})

	select {
	case got := <-read:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received flushed bytes")
	}
}

func TestTCPBindingWriteAfterCloseFails(t *testing.T) {
	b, _, h := startBinding(t, DefaultTCPBindingConfig())

	require.NoError(t, b.Close())
	expectInactive(t, h)

	errCh := make(chan error, 1)
	b.Loop().Schedule(func() { errCh <- b.Write([]byte("late")) })
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBindingClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("write task never ran")
	}
}

func TestTCPBindingEncryptionStage(t *testing.T) {
	const key = 0x5A
	cfg := DefaultTCPBindingConfig()
	cfg.Cipher = func(secret []byte) (Stage, error) {
		assert.Equal(t, []byte{key}, secret)
		return xorStage{key: key}, nil
	}
	b, peer, h := startBinding(t, cfg)

	// The login flow enables encryption while handling a plaintext packet;
	// everything after that packet boundary is ciphered.
	h.onPacket = func(b Binding, _ protocol.Packet) {
		h.onPacket = nil
		assert.NoError(t, b.EnableEncryption([]byte{key}))
	}

	go func() { _, _ = peer.Write(frame("plain")) }()
	assert.Equal(t, "plain", string(expectPacket(t, h).payload))

	// Inbound: the peer now sends ciphered frames.
	go func() { _, _ = peer.Write(xorBytes(frame("secret"), key)) }()
	assert.Equal(t, "secret", string(expectPacket(t, h).payload))

	// Outbound: the peer sees ciphered bytes for plaintext writes.
	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(peer, buf); err == nil {
			read <- buf
		}
	}()
	b.Loop().Schedule(func() {
		require.NoError(t, b.Write([]byte("ack!")))
		require.NoError(t, b.Flush())
	})
	select {
	case got := <-read:
		assert.Equal(t, []byte("ack!"), xorBytes(got, key))
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received ciphered bytes")
	}
}

func TestTCPBindingEncryptionUnconfigured(t *testing.T) {
	b, _, _ := startBinding(t, DefaultTCPBindingConfig())

	errCh := make(chan error, 1)
	b.Loop().Schedule(func() { errCh <- b.EnableEncryption([]byte{1}) })
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNoCipher)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestTCPBindingCompressionUnconfigured(t *testing.T) {
	b, _, _ := startBinding(t, DefaultTCPBindingConfig())

	errCh := make(chan error, 1)
	b.Loop().Schedule(func() { errCh <- b.SetCompression(256) })
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNoCompressor)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}
