package fabric

// transport manages point-to-point TCP connections between fabric nodes.
//
// Invariants:
//   - At most one logical connection exists between any pair of nodes.
//   - Connections are established lazily on first SendTo call (or
//     explicitly via Connect).
//   - Wire format: [4-byte big-endian payload length][1-byte tag][binary payload].
//     Payload length covers the tag byte plus the encoded bytes.
//   - A read error tears down the connection, notifies the peer-down
//     callback (which fails every pending call on that peer), and the
//     next SendTo reconnects.
//   - Each peer has a dedicated writer goroutine that reads from a send
//     channel and writes frames. This eliminates write contention — only
//     one goroutine writes to each connection. The writer coalesces
//     several queued envelopes into a single conn.Write; each envelope
//     stays its own self-contained frame.
//   - Every conn.Write is bounded by the write timeout. On timeout or
//     error the connection is closed and cleared, allowing reconnect on
//     next send.
//   - conn.Read uses a 64KB bufio.Reader. Read deadlines are refreshed
//     every ~10s (not per frame) using the coarse clock, detecting
//     half-open TCP.
//
// Handshake format:
//
//	[2-byte big-endian nodeID length][nodeID UTF-8 bytes]
//	[2-byte big-endian addr length][addr UTF-8 bytes]
//	[2-byte big-endian topic count]([2-byte length][topic UTF-8 bytes])*
//
// The addr field carries the sender's advertised listen address so the
// receiver stores it for future outbound dials (instead of the ephemeral
// client port from conn.RemoteAddr()). The topic list is the sender's
// current subscription snapshot; later changes travel as Subscribe /
// Unsubscribe envelopes.
//
// Handshake direction:
//   - Outbound (dialer):  write handshake → read handshake
//   - Inbound  (listener): read handshake → write handshake
//   - Both dial and handshake are bounded by dedicated timeouts.
//   - If both sides connect simultaneously, deterministic tie-breaking
//     prevents cascading reconnects: the node with the lexicographically
//     higher nodeID keeps its outbound connection and drains the inbound;
//     the lower-ID node accepts the inbound, replacing its outbound.
//     This converges to exactly one connection per peer pair in one round.

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// transportDialTimeout bounds net.DialTimeout when connecting to a peer.
const transportDialTimeout = 5 * time.Second

// transportHandshakeTimeout bounds the handshake exchange (read + write)
// after a connection is established. Prevents slow peers from holding a
// connection indefinitely before identifying themselves.
const transportHandshakeTimeout = 5 * time.Second

// transportReadTimeout is the deadline for each frame read. If no data
// arrives within this window the connection is torn down. This detects
// half-open TCP connections; the node's ping loop keeps healthy idle
// connections inside the window.
const transportReadTimeout = 30 * time.Second

// transportWriteTimeout bounds every conn.Write. If the peer stops
// reading, the write fails after this duration instead of blocking forever.
const transportWriteTimeout = 5 * time.Second

// peerSendBuffer is the capacity of each peer's outbound message channel.
const peerSendBuffer = 8192

// maxCoalesce is the maximum number of queued envelopes the writer drains
// into a single conn.Write. Frames remain individually self-contained.
const maxCoalesce = 128

// maxFramePayload is the upper bound on a single frame's payload
// (tag byte + encoded bytes). Frames larger than this are rejected on read.
const maxFramePayload = 16 << 20 // 16 MB

// transportHandler is called for every inbound message.
// fromID is the remote node that sent the message.
type transportHandler func(fromID string, env WireEnvelope)

// peerUpHandler is called when a handshake completes, with the peer's
// advertised address and subscription snapshot.
type peerUpHandler func(peerID, address string, topics []string)

// peerDownHandler is called when an established connection is lost.
type peerDownHandler func(peerID string, err error)

// readBufPool recycles byte slices used to read frame payloads.
// Keyed by *[]byte to avoid interface-boxing allocations.
var readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

type transport struct {
	nodeID   string
	listener net.Listener

	peers sync.Map // map[string]*transportPeer

	handler    transportHandler
	onPeerUp   peerUpHandler
	onPeerDown peerDownHandler

	// localTopics supplies the subscription snapshot sent in handshakes.
	localTopics func() []string

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type transportPeer struct {
	nodeID    string
	address   string
	connected atomic.Bool // lock-free connection check for SendTo fast path

	mu       sync.Mutex // guards conn lifecycle
	conn     net.Conn
	outbound bool   // true if we dialed; false if they dialed
	frameBuf []byte // reusable frame buffer (writeFrame compat)

	sendCh     chan WireEnvelope
	writerOnce sync.Once
}

// newTransport creates a transport that listens on listenAddr. The
// handler is invoked for every inbound message.
func newTransport(nodeID, listenAddr string, handler transportHandler) (*transport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport listen: %w", err)
	}
	return &transport{
		nodeID:      nodeID,
		listener:    ln,
		handler:     handler,
		localTopics: func() []string { return nil },
		done:        make(chan struct{}),
	}, nil
}

// Addr returns the listener's network address (useful when binding to ":0").
func (t *transport) Addr() string {
	return t.listener.Addr().String()
}

// PeerAddress returns the stored address for a known peer.
// Returns "" if the peer is unknown. Lock-free (sync.Map load).
func (t *transport) PeerAddress(nodeID string) string {
	if v, ok := t.peers.Load(nodeID); ok {
		return v.(*transportPeer).address
	}
	return ""
}

// Start begins accepting inbound connections. Non-blocking.
func (t *transport) Start() {
	t.wg.Add(1)
	go t.acceptLoop()
}

// Stop closes all connections and the listener, then waits for goroutines
// to exit. Safe to call multiple times (idempotent via sync.Once).
func (t *transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.listener.Close()

		t.peers.Range(func(key, value any) bool {
			p := value.(*transportPeer)
			p.mu.Lock()
			if p.conn != nil {
				p.conn.Close()
			}
			p.mu.Unlock()
			return true
		})

		t.wg.Wait()
	})
}

// SendTo sends a message to the specified node. If no connection exists,
// it dials address to establish one. The address is only used for the
// initial dial; subsequent calls for the same nodeID reuse the connection.
//
// Messages are queued in a per-peer channel and written by a dedicated
// goroutine, so SendTo returns as soon as the message is enqueued.
func (t *transport) SendTo(nodeID, address string, env WireEnvelope) error {
	p, err := t.getOrConnect(nodeID, address)
	if err != nil {
		return err
	}

	p.writerOnce.Do(func() {
		t.wg.Add(1)
		go t.peerWriter(p)
	})

	// Fast path: non-blocking send when buffer has space (avoids
	// the overhead of a two-case select on every message).
	select {
	case p.sendCh <- env:
		return nil
	default:
	}
	// Slow path: channel full or shutting down.
	select {
	case p.sendCh <- env:
		return nil
	case <-t.done:
		return fmt.Errorf("transport: shutting down")
	}
}

// --- accept loop ---

func (t *transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				slog.Error("transport accept error", "error", err)
				continue
			}
		}
		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

// handleInbound processes a new inbound TCP connection.
//
// Handshake direction (inbound): read remote identity first, then send ours.
// This is the mirror of the outbound path in getOrConnect which writes first.
func (t *transport) handleInbound(conn net.Conn) {
	defer t.wg.Done()

	conn.SetDeadline(time.Now().Add(transportHandshakeTimeout))

	remoteID, remoteAddr, remoteTopics, err := readHandshake(conn)
	if err != nil {
		slog.Error("transport handshake read failed", "error", err)
		conn.Close()
		return
	}
	if err := writeHandshake(conn, t.nodeID, t.Addr(), t.localTopics()); err != nil {
		slog.Error("transport handshake write failed", "error", err)
		conn.Close()
		return
	}

	// Clear the handshake deadline; readLoop sets per-frame deadlines.
	conn.SetDeadline(time.Time{})

	slog.Info("transport peer connected", "direction", "inbound", "remote", remoteID)

	// Use the advertised listen address from the handshake (not the
	// ephemeral client port from conn.RemoteAddr()). This is the address
	// we would need to dial back to reach this peer.
	peerAddr := remoteAddr
	if peerAddr == "" {
		peerAddr = conn.RemoteAddr().String()
	}

	var p *transportPeer
	if v, ok := t.peers.Load(remoteID); ok {
		p = v.(*transportPeer)
	} else {
		newP := &transportPeer{
			nodeID:  remoteID,
			address: peerAddr,
			sendCh:  make(chan WireEnvelope, peerSendBuffer),
		}
		actual, _ := t.peers.LoadOrStore(remoteID, newP)
		p = actual.(*transportPeer)
	}

	p.mu.Lock()

	// Simultaneous connect tie-breaking: when both sides dial each other,
	// each receives an inbound from the other. Without tie-breaking, both
	// sides replace their outbound with the inbound, causing cascading
	// reconnects. The node with the higher nodeID keeps its outbound for
	// writing but drains the inbound (reads any data the remote already
	// sent through it). The draining readLoop exits once the remote
	// closes its end. The lower-ID node accepts the inbound normally.
	if p.conn != nil && p.outbound && t.nodeID > remoteID {
		if peerAddr != "" {
			p.address = peerAddr
		}
		p.mu.Unlock()
		slog.Info("transport simultaneous connect (keeping outbound, draining inbound)",
			"remote", remoteID)
		t.readLoop(remoteID, conn)
		conn.Close()
		return
	}

	old := p.conn
	p.conn = conn
	p.outbound = false
	p.connected.Store(true)
	if peerAddr != "" {
		p.address = peerAddr
	}
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if t.onPeerUp != nil {
		t.onPeerUp(remoteID, peerAddr, remoteTopics)
	}

	t.readLoop(remoteID, conn)
}

// --- outbound connect ---

// Connect dials an address whose node identity is not yet known, performs
// the handshake, and registers the peer under the identity it announces.
// Returns the remote node's id. If a connection to that node already
// exists, the fresh socket is discarded and the existing peering is kept.
func (t *transport) Connect(address string) (string, error) {
	conn, err := net.DialTimeout("tcp", address, transportDialTimeout)
	if err != nil {
		return "", fmt.Errorf("transport dial %s: %w", address, err)
	}

	conn.SetDeadline(time.Now().Add(transportHandshakeTimeout))

	if err := writeHandshake(conn, t.nodeID, t.Addr(), t.localTopics()); err != nil {
		conn.Close()
		return "", fmt.Errorf("transport handshake: %w", err)
	}
	remoteID, remoteAddr, remoteTopics, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("transport handshake: %w", err)
	}
	if remoteID == t.nodeID {
		conn.Close()
		return "", fmt.Errorf("transport: connected to self at %s", address)
	}

	conn.SetDeadline(time.Time{})

	peerAddr := remoteAddr
	if peerAddr == "" {
		peerAddr = address
	}

	newP := &transportPeer{
		nodeID:  remoteID,
		address: peerAddr,
		sendCh:  make(chan WireEnvelope, peerSendBuffer),
	}
	actual, _ := t.peers.LoadOrStore(remoteID, newP)
	p := actual.(*transportPeer)

	p.mu.Lock()
	if p.conn != nil {
		// Already peered (e.g. they dialed us first). Keep the
		// established connection.
		p.mu.Unlock()
		conn.Close()
		return remoteID, nil
	}
	p.address = peerAddr
	p.conn = conn
	p.outbound = true
	p.connected.Store(true)
	p.mu.Unlock()

	slog.Info("transport peer connected", "direction", "outbound", "remote", remoteID, "address", address)

	if t.onPeerUp != nil {
		t.onPeerUp(remoteID, peerAddr, remoteTopics)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(remoteID, conn)
	}()

	return remoteID, nil
}

// getOrConnect returns an existing peer or dials a new connection to a
// node whose identity is already known.
//
// Handshake direction (outbound): write our identity first, then read
// theirs. This is the mirror of handleInbound which reads first.
func (t *transport) getOrConnect(nodeID, address string) (*transportPeer, error) {
	// Fast path: peer exists and is connected (lock-free check).
	if v, ok := t.peers.Load(nodeID); ok {
		p := v.(*transportPeer)
		if p.connected.Load() {
			return p, nil
		}
	}

	newP := &transportPeer{
		nodeID:  nodeID,
		address: address,
		sendCh:  make(chan WireEnvelope, peerSendBuffer),
	}
	actual, _ := t.peers.LoadOrStore(nodeID, newP)
	p := actual.(*transportPeer)

	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return p, nil
	}

	// Update address if provided (may differ from initial creation).
	if address != "" {
		p.address = address
	}
	if p.address == "" {
		p.mu.Unlock()
		return nil, fmt.Errorf("transport: no address for node %s", nodeID)
	}

	// Dial and handshake while holding the peer lock so only one
	// goroutine connects at a time. The readLoop goroutine is started
	// after unlocking to avoid a deadlock if the first read fails
	// immediately.
	conn, err := net.DialTimeout("tcp", p.address, transportDialTimeout)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("transport dial %s (%s): %w", nodeID, p.address, err)
	}

	conn.SetDeadline(time.Now().Add(transportHandshakeTimeout))

	if err := writeHandshake(conn, t.nodeID, t.Addr(), t.localTopics()); err != nil {
		conn.Close()
		p.mu.Unlock()
		return nil, fmt.Errorf("transport handshake: %w", err)
	}

	remoteID, _, remoteTopics, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		p.mu.Unlock()
		return nil, fmt.Errorf("transport handshake: %w", err)
	}

	if remoteID != nodeID {
		conn.Close()
		p.mu.Unlock()
		return nil, fmt.Errorf("transport handshake: expected node %q, got %q", nodeID, remoteID)
	}

	conn.SetDeadline(time.Time{})

	p.conn = conn
	p.outbound = true
	p.connected.Store(true)
	p.mu.Unlock()

	slog.Info("transport peer connected", "direction", "outbound", "remote", nodeID, "address", address)

	if t.onPeerUp != nil {
		t.onPeerUp(remoteID, p.address, remoteTopics)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(nodeID, conn)
	}()

	return p, nil
}

// --- per-peer writer goroutine ---

// peerWriter is the single write goroutine for a peer. It drains queued
// envelopes from the send channel, encodes each as its own frame, and
// writes the coalesced frames in one conn.Write.
func (t *transport) peerWriter(p *transportPeer) {
	defer t.wg.Done()

	var (
		frameBuf          []byte
		writeBuf          []byte
		curConn           net.Conn
		batch             [maxCoalesce]WireEnvelope
		lastWriteDeadline int64
	)

	for {
		select {
		case batch[0] = <-p.sendCh:
		default:
			select {
			case batch[0] = <-p.sendCh:
			case <-t.done:
				return
			}
		}
		n := 1

	drain:
		for n < maxCoalesce {
			select {
			case batch[n] = <-p.sendCh:
				n++
			default:
				break drain
			}
		}

		writeBuf = writeBuf[:0]
		for i := 0; i < n; i++ {
			if err := buildFrame(&frameBuf, batch[i]); err != nil {
				slog.Error("transport encode error", "remote", p.nodeID, "error", err)
				continue
			}
			writeBuf = append(writeBuf, frameBuf...)
		}
		recycleEnvelopes(batch[:n])
		if len(writeBuf) == 0 {
			continue
		}

		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()

		if conn == nil {
			continue
		}

		if conn != curConn {
			curConn = conn
			lastWriteDeadline = 0
		}

		now := coarseNow.Load()
		if now-lastWriteDeadline >= 2 {
			conn.SetWriteDeadline(time.Now().Add(transportWriteTimeout))
			lastWriteDeadline = now
		}

		if _, err := conn.Write(writeBuf); err != nil {
			t.closePeerConn(p, conn)
			curConn = nil

			// One retry against a replacement connection, if a
			// reconnect already happened.
			p.mu.Lock()
			conn = p.conn
			p.mu.Unlock()
			if conn == nil {
				continue
			}
			curConn = conn
			conn.SetWriteDeadline(time.Now().Add(transportWriteTimeout))
			lastWriteDeadline = coarseNow.Load()
			if _, err := conn.Write(writeBuf); err != nil {
				t.closePeerConn(p, conn)
				curConn = nil
			}
		}
	}
}

// closePeer closes the live connection to a peer, if any. The peer's
// readLoop observes the close and fires the peer-down callback.
func (t *transport) closePeer(nodeID string) {
	v, ok := t.peers.Load(nodeID)
	if !ok {
		return
	}
	p := v.(*transportPeer)
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
}

// closePeerConn closes a connection and clears it from the peer if it
// hasn't been replaced in the meantime.
func (t *transport) closePeerConn(p *transportPeer, conn net.Conn) {
	conn.Close()
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.connected.Store(false)
	}
	p.mu.Unlock()
}

// --- read loop ---

func (t *transport) readLoop(remoteID string, conn net.Conn) {
	bufReader := bufio.NewReaderSize(conn, 65536)

	// Throttle read deadline updates: the 30s deadline only needs
	// refreshing every ~10s. Uses the coarse clock for a zero-cost check.
	var lastDeadlineSet int64

	for {
		now := coarseNow.Load()
		if now-lastDeadlineSet >= 10 {
			conn.SetReadDeadline(time.Now().Add(transportReadTimeout))
			lastDeadlineSet = now
		}
		env, err := decodeFrame(bufReader)
		if err != nil {
			// Body decode failures are isolated to the frame they
			// arrived in: the routing fields survived, so the
			// dispatcher can fail the one affected call and the
			// connection stays up.
			if errors.Is(err, ErrDecode) && env.Payload != nil {
				slog.Warn("transport payload decode error", "remote", remoteID, "error", err)
				if t.handler != nil {
					t.handler(remoteID, WireEnvelope{Tag: tagDecodeFailure, Payload: env.Payload})
					recyclePayload(env)
				}
				continue
			}

			select {
			case <-t.done:
				// shutting down — expected
			default:
				slog.Warn("transport read error", "remote", remoteID, "error", err)
				down := false
				if v, ok := t.peers.Load(remoteID); ok {
					p := v.(*transportPeer)
					p.mu.Lock()
					if p.conn == conn {
						p.conn = nil
						p.connected.Store(false)
						down = true
					}
					p.mu.Unlock()
				}
				// Only the loop that owned the live connection
				// reports the peer down; a draining tie-break
				// loop exits silently.
				if down && t.onPeerDown != nil {
					t.onPeerDown(remoteID, fmt.Errorf("%w: %v", ErrDisconnected, err))
				}
			}
			return
		}

		if t.handler == nil {
			continue
		}
		t.handler(remoteID, env)
		recyclePayload(env)
	}
}

// tagDecodeFailure is an internal dispatch tag (never on the wire) for
// frames whose routing fields decoded but whose body did not.
const tagDecodeFailure byte = 0xFF

// --- framing ---

// buildFrame encodes env into a single frame in *frameBuf (no I/O).
func buildFrame(frameBuf *[]byte, env WireEnvelope) error {
	buf := bytes.NewBuffer((*frameBuf)[:0])
	buf.Write([]byte{0, 0, 0, 0, env.Tag}) // 4-byte length placeholder + tag

	if err := encodePayload(buf, env); err != nil {
		return fmt.Errorf("transport encode: %w", err)
	}

	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:4], uint32(len(out)-4))
	*frameBuf = out
	return nil
}

// writeFrameTo encodes env into a single frame and writes it to w.
func writeFrameTo(w io.Writer, frameBuf *[]byte, env WireEnvelope) error {
	if err := buildFrame(frameBuf, env); err != nil {
		return err
	}
	_, err := w.Write(*frameBuf)
	return err
}

// writeFrame encodes env into a single frame and writes it atomically
// (single conn.Write) while holding the peer's write lock.
//
// This method is retained for tests and benchmarks that create bare
// transportPeer structs. Production code uses the peerWriter goroutine.
func (t *transport) writeFrame(p *transportPeer, env WireEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return fmt.Errorf("transport: peer %s not connected", p.nodeID)
	}

	conn := p.conn

	conn.SetWriteDeadline(time.Now().Add(transportWriteTimeout))
	if err := writeFrameTo(conn, &p.frameBuf, env); err != nil {
		conn.Close()
		if p.conn == conn {
			p.conn = nil
			p.connected.Store(false)
		}
		return fmt.Errorf("transport write: %w", err)
	}

	return nil
}

// readFrame reads a single framed message from r.
// Used by tests for simple one-shot round-trips.
func readFrame(r io.Reader) (WireEnvelope, error) {
	return decodeFrame(r)
}

// decodeFrame reads a single framed message from r. Each frame is
// self-contained: [4-byte length][1-byte tag][binary-encoded payload].
//
// On a body decode failure the returned envelope carries the partially
// decoded payload and the error wraps ErrDecode (see decodePayload);
// every other error is connection-fatal.
func decodeFrame(r io.Reader) (WireEnvelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return WireEnvelope{}, err
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen < 1 {
		return WireEnvelope{}, fmt.Errorf("%w: frame length %d too small", ErrProtocol, payloadLen)
	}
	if payloadLen > maxFramePayload {
		return WireEnvelope{}, fmt.Errorf("%w: frame too large (%d bytes)", ErrProtocol, payloadLen)
	}

	// Read [tag][payload] into a pooled buffer.
	bp := readBufPool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < int(payloadLen) {
		buf = make([]byte, payloadLen)
	} else {
		buf = buf[:payloadLen]
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		*bp = buf
		readBufPool.Put(bp)
		return WireEnvelope{}, fmt.Errorf("%w: incomplete frame: %v", ErrProtocol, err)
	}

	tag := buf[0]
	payload, err := decodePayload(tag, buf[1:])

	*bp = buf
	readBufPool.Put(bp)

	if err != nil {
		if payload != nil && errors.Is(err, ErrDecode) {
			return WireEnvelope{Tag: tag, Payload: payload}, err
		}
		return WireEnvelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	return WireEnvelope{Tag: tag, Payload: payload}, nil
}

// --- handshake ---

func writeHandshake(w io.Writer, nodeID, advertiseAddr string, topics []string) error {
	id := []byte(nodeID)
	addr := []byte(advertiseAddr)

	size := 2 + len(id) + 2 + len(addr) + 2
	for _, topic := range topics {
		size += 2 + len(topic)
	}

	buf := make([]byte, 0, size)
	var tmp [2]byte

	binary.BigEndian.PutUint16(tmp[:], uint16(len(id)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, id...)

	binary.BigEndian.PutUint16(tmp[:], uint16(len(addr)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, addr...)

	binary.BigEndian.PutUint16(tmp[:], uint16(len(topics)))
	buf = append(buf, tmp[:]...)
	for _, topic := range topics {
		binary.BigEndian.PutUint16(tmp[:], uint16(len(topic)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, topic...)
	}

	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (nodeID, advertiseAddr string, topics []string, err error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", "", nil, fmt.Errorf("handshake read length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 || n > 256 {
		return "", "", nil, fmt.Errorf("handshake: invalid nodeID length %d", n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", "", nil, fmt.Errorf("handshake read nodeID: %w", err)
	}

	// Read advertised address.
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", "", nil, fmt.Errorf("handshake read addr length: %w", err)
	}
	addrLen := binary.BigEndian.Uint16(lenBuf[:])
	var addr []byte
	if addrLen > 0 {
		addr = make([]byte, addrLen)
		if _, err := io.ReadFull(r, addr); err != nil {
			return "", "", nil, fmt.Errorf("handshake read addr: %w", err)
		}
	}

	// Read subscription snapshot.
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", "", nil, fmt.Errorf("handshake read topic count: %w", err)
	}
	count := int(binary.BigEndian.Uint16(lenBuf[:]))
	if count > 0 {
		topics = make([]string, 0, count)
		for i := 0; i < count; i++ {
			if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
				return "", "", nil, fmt.Errorf("handshake read topic length: %w", err)
			}
			tl := int(binary.BigEndian.Uint16(lenBuf[:]))
			topic := make([]byte, tl)
			if _, err := io.ReadFull(r, topic); err != nil {
				return "", "", nil, fmt.Errorf("handshake read topic: %w", err)
			}
			topics = append(topics, string(topic))
		}
	}

	return string(id), string(addr), topics, nil
}
