package fabric

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PeerState is the lifecycle state of a peer as seen by the local node.
type PeerState int32

const (
	PeerDisconnected PeerState = iota
	PeerConnecting
	PeerConnected
	PeerClosing
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// PeerInfo is a point-in-time view of one peer, for introspection.
type PeerInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen"`
}

// peerEntry is the registry record for one remote node.
type peerEntry struct {
	id string

	mu           sync.Mutex
	state        PeerState
	address      string
	lastSeen     int64 // Unix seconds from the coarse clock
	dialed       bool  // we initiated this peering; governs auto-reconnect
	reconnecting bool
}

func (p *peerEntry) getState() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Node is one process in the fabric: it issues and services calls, and
// publishes and subscribes to topics, over direct peer connections.
// There is no central broker.
//
// Nodes are self-contained — multiple nodes can coexist in one process,
// which the tests rely on.
type Node struct {
	id     string
	config nodeConfig

	transport *transport
	calls     *callTable
	handlers  sync.Map // map[string]Handler
	subs      *subscriptionRegistry

	peersMu sync.RWMutex
	peers   map[string]*peerEntry

	metrics     *Metrics
	adminServer *AdminServer

	draining atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewNode creates a node listening on listenAddr (use ":0" or
// "127.0.0.1:0" for an ephemeral port). The node does not accept
// connections until Start is called.
func NewNode(listenAddr string, opts ...Option) (*Node, error) {
	cfg := defaultNodeConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.nodeID == "" {
		cfg.nodeID = uuid.NewString()
	}
	if cfg.logLevelSet {
		InitLogger(cfg.logLevel)
	}

	n := &Node{
		id:      cfg.nodeID,
		config:  cfg,
		calls:   newCallTable(),
		subs:    newSubscriptionRegistry(),
		peers:   make(map[string]*peerEntry),
		metrics: newMetrics(),
		done:    make(chan struct{}),
	}

	tr, err := newTransport(cfg.nodeID, listenAddr, n.dispatch)
	if err != nil {
		return nil, err
	}
	tr.onPeerUp = n.peerUp
	tr.onPeerDown = n.peerDown
	tr.localTopics = n.subs.localTopics
	n.transport = tr

	n.metrics.peerCountFn = n.connectedPeerCount
	n.metrics.pendingCallsFn = n.calls.pending

	return n, nil
}

// ID returns the node's identity.
func (n *Node) ID() string { return n.id }

// Addr returns the listener's network address.
func (n *Node) Addr() string { return n.transport.Addr() }

// Metrics returns the node's operational metrics.
func (n *Node) Metrics() *Metrics { return n.metrics }

// Start begins accepting peer connections and starts the background
// call-expiry sweep and keepalive loops. Non-blocking.
func (n *Node) Start() {
	slog.Info("starting", "node", n.id, "addr", n.Addr())

	n.transport.Start()

	go n.sweep()
	if n.config.pingInterval > 0 {
		go n.pingLoop()
	}

	if n.config.adminAddr != "" {
		as, err := NewAdminServer(n, n.config.adminAddr)
		if err != nil {
			slog.Error("admin server failed to start", "error", err)
		} else {
			n.adminServer = as
			as.Start()
		}
	}
}

// Stop drains and shuts the node down: new calls and publishes are
// rejected, in-flight calls get up to the drain timeout to settle, then
// connections close (failing whatever is left with ErrDisconnected).
// Safe to call multiple times.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		slog.Info("stopping", "node", n.id)

		if n.adminServer != nil {
			n.adminServer.Stop()
		}

		// phase 1: reject new work
		n.draining.Store(true)

		// phase 2: wait for in-flight calls to settle or time out
		n.waitForDrain()

		// phase 3: stop background loops
		close(n.done)

		// phase 4: close all connections and the listener
		n.transport.Stop()

		// phase 5: let in-flight local publish deliveries finish
		n.subs.waitDeliveries()
	})
}

func (n *Node) waitForDrain() {
	deadline := time.After(n.config.drainTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			slog.Warn("drain timeout reached", "node", n.id, "pending", n.calls.pending())
			return
		case <-ticker.C:
			if n.calls.pending() == 0 {
				return
			}
		}
	}
}

// --- peer registry ---

func (n *Node) getPeer(peerID string) *peerEntry {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.peers[peerID]
}

func (n *Node) getOrCreatePeer(peerID string) *peerEntry {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	p, ok := n.peers[peerID]
	if !ok {
		p = &peerEntry{id: peerID}
		n.peers[peerID] = p
	}
	return p
}

func (n *Node) connectedPeerCount() int {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	count := 0
	for _, p := range n.peers {
		if p.getState() == PeerConnected {
			count++
		}
	}
	return count
}

// Peers returns a snapshot of all known peers.
func (n *Node) Peers() []PeerInfo {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	infos := make([]PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		p.mu.Lock()
		infos = append(infos, PeerInfo{
			ID:       p.id,
			Address:  p.address,
			State:    p.state.String(),
			LastSeen: time.Unix(p.lastSeen, 0),
		})
		p.mu.Unlock()
	}
	return infos
}

// connectedPeerIDs returns the ids of all peers in the connected state.
func (n *Node) connectedPeerIDs() []string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	var ids []string
	for id, p := range n.peers {
		if p.getState() == PeerConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

func (n *Node) touchPeer(peerID string) {
	if p := n.getPeer(peerID); p != nil {
		p.mu.Lock()
		p.lastSeen = coarseNow.Load()
		p.mu.Unlock()
	}
}

// peerUp is invoked by the transport after a handshake completes, in
// either direction.
func (n *Node) peerUp(peerID, address string, topics []string) {
	p := n.getOrCreatePeer(peerID)
	p.mu.Lock()
	p.state = PeerConnected
	p.address = address
	p.lastSeen = coarseNow.Load()
	p.reconnecting = false
	p.mu.Unlock()

	n.subs.setPeerTopics(peerID, topics)
}

// peerDown is invoked by the transport when an established connection is
// lost. It settles every pending call on that peer exactly once per
// teardown, forgets the peer's subscription interest (re-exchanged on
// reconnect), and kicks off the redial loop for peers this node dialed.
func (n *Node) peerDown(peerID string, err error) {
	p := n.getPeer(peerID)
	if p == nil {
		return
	}

	p.mu.Lock()
	// Closing covers the explicit Disconnect path, which flips the state
	// before closing the socket.
	hadConn := p.state == PeerConnected || p.state == PeerClosing
	if hadConn {
		p.state = PeerClosing
	}
	p.mu.Unlock()

	if !hadConn {
		return
	}

	cancelled := n.calls.cancelPeer(peerID, err)
	n.metrics.CallsFailed.Add(int64(cancelled))
	n.metrics.PeerDisconnects.Add(1)
	n.subs.dropPeer(peerID)

	slog.Warn("peer down", "node", n.id, "peer", peerID,
		"cancelled_calls", cancelled, "error", err)

	p.mu.Lock()
	p.state = PeerDisconnected
	redial := p.dialed && n.config.autoReconnect && !n.draining.Load() && !p.reconnecting
	if redial {
		p.reconnecting = true
		p.state = PeerConnecting
	}
	p.mu.Unlock()

	if redial {
		go n.reconnectLoop(p)
	}
}

// reconnectLoop redials a dropped peer on a quadratic backoff schedule:
// attempt i waits i*i/2 seconds, bounded by reconnectAttempts.
func (n *Node) reconnectLoop(p *peerEntry) {
	p.mu.Lock()
	address := p.address
	p.mu.Unlock()

	for i := 0; i < n.config.reconnectAttempts; i++ {
		select {
		case <-n.done:
			return
		case <-time.After(reconnectPause(i)):
		}

		if _, err := n.transport.getOrConnect(p.id, address); err == nil {
			// peerUp has already run and cleared the reconnecting flag.
			return
		}
	}

	slog.Warn("reconnect attempts exhausted", "node", n.id, "peer", p.id)
	p.mu.Lock()
	p.state = PeerDisconnected
	p.reconnecting = false
	p.mu.Unlock()
}

// reconnectPause returns the delay before redial attempt i (0-based).
func reconnectPause(i int) time.Duration {
	return time.Duration(i*i) * time.Second / 2
}

// --- connection surface ---

// Connect dials a peer by address, performs the handshake, and returns
// the peer's node id. Transient dial failures are retried on the same
// bounded backoff schedule as reconnects; exhausting it returns an error
// wrapping ErrConnect.
func (n *Node) Connect(address string) (string, error) {
	if n.draining.Load() {
		return "", ErrNodeClosed
	}

	var lastErr error
	for i := 0; i < n.config.reconnectAttempts; i++ {
		if i > 0 {
			select {
			case <-n.done:
				return "", ErrNodeClosed
			case <-time.After(reconnectPause(i)):
			}
		}

		peerID, err := n.transport.Connect(address)
		if err == nil {
			p := n.getOrCreatePeer(peerID)
			p.mu.Lock()
			p.dialed = true
			p.mu.Unlock()
			return peerID, nil
		}
		lastErr = err
	}

	return "", fmt.Errorf("%w: %s: %v", ErrConnect, address, lastErr)
}

// Disconnect closes the connection to a peer and disables auto-reconnect
// for it. Pending calls on the connection fail with ErrDisconnected.
func (n *Node) Disconnect(peerID string) {
	p := n.getPeer(peerID)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.dialed = false // no redial
	p.state = PeerClosing
	p.mu.Unlock()

	n.transport.closePeer(peerID)
}

// WaitConnected blocks until every given peer (or, with no arguments,
// every known peer) is in the connected state, or the timeout elapses.
// Returns true if all connections were up in time.
func (n *Node) WaitConnected(timeout time.Duration, peerIDs ...string) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		ids := peerIDs
		if len(ids) == 0 {
			n.peersMu.RLock()
			for id := range n.peers {
				ids = append(ids, id)
			}
			n.peersMu.RUnlock()
		}

		allUp := len(ids) > 0
		for _, id := range ids {
			p := n.getPeer(id)
			if p == nil || p.getState() != PeerConnected {
				allUp = false
				break
			}
		}
		if allUp {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

// --- call surface ---

// Call invokes method on the given peer and blocks until the response
// arrives or the node's default call timeout elapses.
//
// Concurrent calls to the same peer multiplex over one connection with
// distinct correlation ids. A timeout settles only the caller-side wait:
// no cancellation is sent upstream and the remote handler keeps running.
func (n *Node) Call(peerID, method string, body interface{}) (interface{}, error) {
	return n.CallWithTimeout(peerID, method, body, n.config.callTimeout)
}

// CallWithTimeout is Call with an explicit deadline. A timeout of zero
// or less waits forever.
func (n *Node) CallWithTimeout(peerID, method string, body interface{}, timeout time.Duration) (interface{}, error) {
	f := n.send(peerID, method, body, timeout)
	value, err := f.Wait(timeout)

	switch {
	case err == nil:
		n.metrics.CallsCompleted.Add(1)
	case errors.Is(err, ErrTimeout):
		n.metrics.CallsTimedOut.Add(1)
	default:
		n.metrics.CallsFailed.Add(1)
	}
	return value, err
}

// Go invokes method on the given peer asynchronously and returns a
// Future for the result. The node's default call timeout bounds how long
// the entry may stay pending before the sweep expires it.
func (n *Node) Go(peerID, method string, body interface{}) *Future {
	return n.send(peerID, method, body, n.config.callTimeout)
}

// send registers a pending call and enqueues the request. Failures before
// the request reaches the wire settle the returned future immediately.
func (n *Node) send(peerID, method string, body interface{}, timeout time.Duration) *Future {
	if n.draining.Load() {
		f := newFuture()
		f.fail(ErrNodeClosed)
		return f
	}

	p := n.getPeer(peerID)
	address := n.transport.PeerAddress(peerID)
	if p == nil && address == "" {
		f := newFuture()
		f.fail(fmt.Errorf("%w: %s", ErrUnknownPeer, peerID))
		return f
	}

	// Fail fast while a background reconnect is in flight rather than
	// queueing behind it. A plain disconnected peer with a known
	// address is dialed lazily by SendTo below.
	if p != nil && p.getState() == PeerConnecting {
		f := newFuture()
		f.fail(fmt.Errorf("%w: %s: reconnecting", ErrConnect, peerID))
		return f
	}

	pc := n.calls.register(peerID, timeout)
	n.metrics.CallsSent.Add(1)

	req := requestPool.Get().(*Request)
	req.CorrelationID = pc.id
	req.Method = method
	req.Body = body

	if err := n.transport.SendTo(peerID, address, WireEnvelope{Tag: TagRequest, Payload: req}); err != nil {
		n.calls.remove(pc.id)
		pc.future.fail(fmt.Errorf("%w: %s: %v", ErrConnect, peerID, err))
	}
	return pc.future
}

// --- pub/sub surface ---

// Subscribe registers a callback for a topic and announces the interest
// to all connected peers. Topics match by exact string. Subscribing to
// the same topic again replaces the previous callback.
func (n *Node) Subscribe(topic string, fn SubscriptionFunc) error {
	if n.draining.Load() {
		return ErrNodeClosed
	}
	if n.subs.addLocal(topic, fn) {
		n.broadcast(WireEnvelope{Tag: TagSubscribe, Payload: &Subscribe{Topic: topic}})
	}
	return nil
}

// Unsubscribe removes the local subscription for a topic and withdraws
// the interest from all connected peers. Returns false if there was no
// subscription.
func (n *Node) Unsubscribe(topic string) bool {
	if !n.subs.removeLocal(topic) {
		return false
	}
	n.broadcast(WireEnvelope{Tag: TagUnsubscribe, Payload: &Unsubscribe{Topic: topic}})
	return true
}

// Publish sends a one-way message to every subscriber of topic: the
// local callback, if any, and every connected peer that declared
// interest. Delivery is best-effort — there is no confirmation, and
// zero subscribers is not an error.
func (n *Node) Publish(topic string, body interface{}) error {
	if n.draining.Load() {
		return ErrNodeClosed
	}

	if n.subs.deliverLocal(topic, body) {
		n.metrics.PublishesDelivered.Add(1)
	}

	for _, peerID := range n.subs.peersFor(topic) {
		p := n.getPeer(peerID)
		if p == nil || p.getState() != PeerConnected {
			continue
		}
		env := WireEnvelope{Tag: TagPublish, Payload: &Publish{Topic: topic, Body: body}}
		if err := n.transport.SendTo(peerID, "", env); err != nil {
			slog.Warn("publish send failed", "node", n.id, "peer", peerID, "topic", topic, "error", err)
			continue
		}
		n.metrics.PublishesSent.Add(1)
	}
	return nil
}

// PublishReceiverCount returns how many subscribers (local + remote)
// would currently receive a publish on topic.
func (n *Node) PublishReceiverCount(topic string) int {
	count := len(n.subs.peersFor(topic))
	if n.subs.hasLocal(topic) {
		count++
	}
	return count
}

// broadcast enqueues an envelope to every connected peer. Best-effort.
func (n *Node) broadcast(env WireEnvelope) {
	for _, peerID := range n.connectedPeerIDs() {
		if err := n.transport.SendTo(peerID, "", env); err != nil {
			slog.Warn("broadcast send failed", "node", n.id, "peer", peerID, "error", err)
		}
	}
}

// --- background loops ---

func (n *Node) sweep() {
	ticker := time.NewTicker(n.config.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			if expired := n.calls.expire(); expired > 0 {
				n.metrics.CallsTimedOut.Add(int64(expired))
			}
		}
	}
}

func (n *Node) pingLoop() {
	ticker := time.NewTicker(n.config.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			for _, peerID := range n.connectedPeerIDs() {
				n.transport.SendTo(peerID, "", WireEnvelope{Tag: TagPing, Payload: &Ping{}})
			}
		}
	}
}
