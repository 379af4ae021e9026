package fabric

import (
	"net"
	"testing"
	"time"
)

// --- handshake tests ---

func TestHandshakeRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- writeHandshake(c1, "node-alpha", "127.0.0.1:9000", []string{"alerts", "events.deploy"})
	}()

	gotID, gotAddr, gotTopics, err := readHandshake(c2)
	if err != nil {
		t.Fatalf("readHandshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeHandshake: %v", err)
	}
	if gotID != "node-alpha" {
		t.Fatalf("nodeID: got %q, want %q", gotID, "node-alpha")
	}
	if gotAddr != "127.0.0.1:9000" {
		t.Fatalf("addr: got %q, want %q", gotAddr, "127.0.0.1:9000")
	}
	if len(gotTopics) != 2 || gotTopics[0] != "alerts" || gotTopics[1] != "events.deploy" {
		t.Fatalf("topics: got %v", gotTopics)
	}
}

func TestHandshakeRoundTrip_Variants(t *testing.T) {
	cases := []struct {
		name   string
		nodeID string
		addr   string
		topics []string
	}{
		{"no-topics", "node-beta", "10.0.0.1:4000", nil},
		{"empty-address", "node-gamma", "", []string{"t1"}},
		{"ipv6-address", "node-delta", "[::1]:8080", []string{"t1", "t2", "t3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c1, c2 := net.Pipe()
			defer c1.Close()
			defer c2.Close()

			errCh := make(chan error, 1)
			go func() {
				errCh <- writeHandshake(c1, tc.nodeID, tc.addr, tc.topics)
			}()

			gotID, gotAddr, gotTopics, err := readHandshake(c2)
			if err != nil {
				t.Fatalf("readHandshake: %v", err)
			}
			if err := <-errCh; err != nil {
				t.Fatalf("writeHandshake: %v", err)
			}
			if gotID != tc.nodeID {
				t.Errorf("nodeID: got %q, want %q", gotID, tc.nodeID)
			}
			if gotAddr != tc.addr {
				t.Errorf("addr: got %q, want %q", gotAddr, tc.addr)
			}
			if len(gotTopics) != len(tc.topics) {
				t.Fatalf("topics: got %v, want %v", gotTopics, tc.topics)
			}
			for i := range tc.topics {
				if gotTopics[i] != tc.topics[i] {
					t.Errorf("topic %d: got %q, want %q", i, gotTopics[i], tc.topics[i])
				}
			}
		})
	}
}

func TestTransport_PeerAddressFromHandshake(t *testing.T) {
	// The inbound peer's stored address must be the remote's advertised
	// listen address, not the ephemeral client port.
	received := make(chan struct{}, 1)

	handlerB := func(from string, env WireEnvelope) {
		if env.Tag == TagPing {
			received <- struct{}{}
		}
	}

	tA, err := newTransport("node-a", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("newTransport A: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	tB, err := newTransport("node-b", "127.0.0.1:0", handlerB)
	if err != nil {
		t.Fatalf("newTransport B: %v", err)
	}
	tB.Start()
	defer tB.Stop()

	if err := tA.SendTo("node-b", tB.Addr(), testEnvelope(Ping{})); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ping")
	}

	v, ok := tB.peers.Load("node-a")
	if !ok {
		t.Fatal("node-a not found in tB peers")
	}
	peerA := v.(*transportPeer)
	peerA.mu.Lock()
	addr := peerA.address
	peerA.mu.Unlock()

	if addr != tA.Addr() {
		t.Errorf("peer address: got %q, want %q (tA listen addr)", addr, tA.Addr())
	}
}

// --- Connect (identity not yet known) ---

func TestTransport_ConnectLearnsIdentity(t *testing.T) {
	tA, err := newTransport("node-a", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("newTransport A: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	tB, err := newTransport("node-b", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("newTransport B: %v", err)
	}
	tB.Start()
	defer tB.Stop()

	remoteID, err := tA.Connect(tB.Addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if remoteID != "node-b" {
		t.Fatalf("remoteID: got %q, want %q", remoteID, "node-b")
	}
	if tA.PeerAddress("node-b") != tB.Addr() {
		t.Errorf("stored address: got %q, want %q", tA.PeerAddress("node-b"), tB.Addr())
	}
}

func TestTransport_ConnectToSelfRejected(t *testing.T) {
	tA, err := newTransport("node-a", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("newTransport: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	if _, err := tA.Connect(tA.Addr()); err == nil {
		t.Fatal("expected error connecting to self, got nil")
	}
}

// --- simultaneous connect tie-breaking ---

func TestTransport_SimultaneousConnect_TieBreaking(t *testing.T) {
	// When both sides dial each other simultaneously, the higher-ID node
	// keeps its outbound and drains the inbound. The lower-ID node accepts
	// the inbound. This should converge to one connection per pair with no
	// cascading reconnects.
	receivedA := make(chan struct{}, 10)
	receivedB := make(chan struct{}, 10)

	handlerA := func(from string, env WireEnvelope) {
		if env.Tag == TagPing {
			receivedA <- struct{}{}
		}
	}
	handlerB := func(from string, env WireEnvelope) {
		if env.Tag == TagPing {
			receivedB <- struct{}{}
		}
	}

	// "node-b" > "node-a" lexicographically, so node-b wins tie-breaking.
	tA, err := newTransport("node-a", "127.0.0.1:0", handlerA)
	if err != nil {
		t.Fatalf("newTransport A: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	tB, err := newTransport("node-b", "127.0.0.1:0", handlerB)
	if err != nil {
		t.Fatalf("newTransport B: %v", err)
	}
	tB.Start()
	defer tB.Stop()

	pingEnv := testEnvelope(Ping{})

	errCh := make(chan error, 2)
	go func() { errCh <- tA.SendTo("node-b", tB.Addr(), pingEnv) }()
	go func() { errCh <- tB.SendTo("node-a", tA.Addr(), pingEnv) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("SendTo %d: %v", i, err)
		}
	}

	select {
	case <-receivedA:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ping on A")
	}
	select {
	case <-receivedB:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ping on B")
	}

	// Let connections stabilize, then verify another round works on the
	// surviving connection pair.
	time.Sleep(100 * time.Millisecond)

	if err := tA.SendTo("node-b", tB.Addr(), pingEnv); err != nil {
		t.Fatalf("second SendTo A→B: %v", err)
	}
	if err := tB.SendTo("node-a", tA.Addr(), pingEnv); err != nil {
		t.Fatalf("second SendTo B→A: %v", err)
	}

	select {
	case <-receivedB:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for second ping on B")
	}
	select {
	case <-receivedA:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for second ping on A")
	}
}

// --- peer-down notification ---

func TestTransport_PeerDownNotification(t *testing.T) {
	downCh := make(chan string, 1)

	tA, err := newTransport("node-a", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("newTransport A: %v", err)
	}
	tA.onPeerDown = func(peerID string, err error) {
		downCh <- peerID
	}
	tA.Start()
	defer tA.Stop()

	tB, err := newTransport("node-b", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("newTransport B: %v", err)
	}
	tB.Start()

	if _, err := tA.Connect(tB.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tB.Stop()

	select {
	case peerID := <-downCh:
		if peerID != "node-b" {
			t.Errorf("peer down: got %q, want %q", peerID, "node-b")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for peer-down notification")
	}
}

// --- throughput / ordering ---

func TestTransport_MultipleMessages(t *testing.T) {
	const count = 50
	received := make(chan int64, count)

	handlerB := func(from string, env WireEnvelope) {
		if msg, ok := env.Payload.(*Request); ok {
			received <- msg.CorrelationID
		}
	}

	tA, err := newTransport("node-a", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("newTransport A: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	tB, err := newTransport("node-b", "127.0.0.1:0", handlerB)
	if err != nil {
		t.Fatalf("newTransport B: %v", err)
	}
	tB.Start()
	defer tB.Stop()

	for i := int64(0); i < count; i++ {
		env := testEnvelope(Request{CorrelationID: i, Method: "tick", Body: "x"})
		if err := tA.SendTo("node-b", tB.Addr(), env); err != nil {
			t.Fatalf("SendTo %d: %v", i, err)
		}
	}

	seen := make(map[int64]bool)
	for i := 0; i < count; i++ {
		select {
		case id := <-received:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout after receiving %d/%d messages", i, count)
		}
	}

	if len(seen) != count {
		t.Fatalf("received %d unique messages, want %d", len(seen), count)
	}
}
