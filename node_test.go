package fabric

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestNode creates and starts a node on an ephemeral port, registering
// cleanup so tests don't leak listeners.
func newTestNode(t *testing.T, id string, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{
		WithNodeID(id),
		WithAutoReconnect(false),
		WithDrainTimeout(500 * time.Millisecond),
		WithPingInterval(0),
	}, opts...)
	n, err := NewNode("127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("NewNode %s: %v", id, err)
	}
	n.Start()
	t.Cleanup(n.Stop)
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// --- request/response ---

func TestNode_CallEcho(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	b.RegisterHandlerFunc("echo", func(body interface{}) (interface{}, error) {
		return body, nil
	})

	peerID, err := a.Connect(b.Addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if peerID != "node-b" {
		t.Fatalf("peerID: got %q, want %q", peerID, "node-b")
	}

	result, err := a.Call(peerID, "echo", "hello")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "hello" {
		t.Fatalf("result: got %v, want %q", result, "hello")
	}

	if got := a.Metrics().CallsCompleted.Load(); got != 1 {
		t.Errorf("CallsCompleted: got %d, want 1", got)
	}
	if got := b.Metrics().RequestsServed.Load(); got != 1 {
		t.Errorf("RequestsServed: got %d, want 1", got)
	}
}

func TestNode_CallNoSuchMethod(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	peerID, err := a.Connect(b.Addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err = a.Call(peerID, "missing", nil)
	if !errors.Is(err, ErrNoSuchMethod) {
		t.Fatalf("error: got %v, want ErrNoSuchMethod", err)
	}
}

func TestNode_CallUnknownPeer(t *testing.T) {
	a := newTestNode(t, "node-a")

	_, err := a.Call("nobody", "echo", nil)
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("error: got %v, want ErrUnknownPeer", err)
	}
}

func TestNode_HandlerError(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	b.RegisterHandlerFunc("fail", func(body interface{}) (interface{}, error) {
		return nil, fmt.Errorf("record %v not found", body)
	})

	peerID, _ := a.Connect(b.Addr())

	_, err := a.Call(peerID, "fail", 17)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error type: got %T (%v), want *RemoteError", err, err)
	}
	if re.Message != "record 17 not found" {
		t.Errorf("message: got %q", re.Message)
	}
}

func TestNode_HandlerPanicBecomesRemoteError(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	b.RegisterHandlerFunc("boom", func(body interface{}) (interface{}, error) {
		panic("handler bug")
	})
	b.RegisterHandlerFunc("echo", func(body interface{}) (interface{}, error) {
		return body, nil
	})

	peerID, _ := a.Connect(b.Addr())

	_, err := a.Call(peerID, "boom", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error type: got %T (%v), want *RemoteError", err, err)
	}

	// The panic must not take down the serving node.
	result, err := a.Call(peerID, "echo", "still alive")
	if err != nil {
		t.Fatalf("Call after panic: %v", err)
	}
	if result != "still alive" {
		t.Fatalf("result: got %v", result)
	}
}

func TestNode_ConcurrentCallsOutOfOrder(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	// Replies come back out of order: even ids are delayed.
	b.RegisterHandlerFunc("echo", func(body interface{}) (interface{}, error) {
		if body.(int)%2 == 0 {
			time.Sleep(30 * time.Millisecond)
		}
		return body, nil
	})

	peerID, _ := a.Connect(b.Addr())

	const n = 32
	var wg sync.WaitGroup
	failures := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := a.Call(peerID, "echo", i)
			if err != nil {
				failures <- fmt.Sprintf("call %d: %v", i, err)
				return
			}
			if result != i {
				failures <- fmt.Sprintf("call %d: got %v", i, result)
			}
		}(i)
	}
	wg.Wait()
	close(failures)

	for f := range failures {
		t.Error(f)
	}
}

func TestNode_BidirectionalCalls(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	a.RegisterHandlerFunc("whoami", func(body interface{}) (interface{}, error) {
		return "node-a", nil
	})
	b.RegisterHandlerFunc("whoami", func(body interface{}) (interface{}, error) {
		return "node-b", nil
	})

	if _, err := a.Connect(b.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// One TCP connection carries calls in both directions.
	result, err := a.Call("node-b", "whoami", nil)
	if err != nil || result != "node-b" {
		t.Fatalf("a→b: got %v, %v", result, err)
	}
	result, err = b.Call("node-a", "whoami", nil)
	if err != nil || result != "node-a" {
		t.Fatalf("b→a: got %v, %v", result, err)
	}
}

// --- timeouts ---

func TestNode_CallTimeoutAndLateReply(t *testing.T) {
	a := newTestNode(t, "node-a", WithSweepInterval(50*time.Millisecond))
	b := newTestNode(t, "node-b")

	release := make(chan struct{})
	b.RegisterHandlerFunc("slow", func(body interface{}) (interface{}, error) {
		<-release
		return "finally", nil
	})
	b.RegisterHandlerFunc("echo", func(body interface{}) (interface{}, error) {
		return body, nil
	})

	peerID, _ := a.Connect(b.Addr())

	_, err := a.CallWithTimeout(peerID, "slow", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error: got %v, want ErrTimeout", err)
	}
	if got := a.Metrics().CallsTimedOut.Load(); got == 0 {
		t.Error("CallsTimedOut not incremented")
	}

	// Release the handler; its late reply must be discarded without
	// disturbing anything else on the connection.
	close(release)

	result, err := a.Call(peerID, "echo", "after-timeout")
	if err != nil {
		t.Fatalf("Call after timeout: %v", err)
	}
	if result != "after-timeout" {
		t.Fatalf("result: got %v", result)
	}
}

func TestNode_GoReturnsFuture(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	b.RegisterHandlerFunc("echo", func(body interface{}) (interface{}, error) {
		return body, nil
	})

	peerID, _ := a.Connect(b.Addr())

	f := a.Go(peerID, "echo", "async")
	value, err := f.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if value != "async" {
		t.Fatalf("value: got %v", value)
	}
}

// --- disconnect handling ---

func TestNode_DisconnectFailsPendingCalls(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	var started atomic.Int64
	release := make(chan struct{})
	b.RegisterHandlerFunc("hang", func(body interface{}) (interface{}, error) {
		started.Add(1)
		<-release
		return nil, nil
	})
	defer close(release)

	peerID, _ := a.Connect(b.Addr())

	const k = 5
	futures := make([]*Future, k)
	for i := range futures {
		futures[i] = a.Go(peerID, "hang", i)
	}

	// Wait until every request is parked in a handler on the remote side.
	waitFor(t, 2*time.Second, func() bool {
		return started.Load() == k
	}, "handlers never started")

	a.Disconnect(peerID)

	for i, f := range futures {
		_, err := f.Wait(2 * time.Second)
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("future %d: got %v, want ErrDisconnected", i, err)
		}
	}

	if got := a.calls.pending(); got != 0 {
		t.Errorf("pending calls after disconnect: got %d, want 0", got)
	}
}

func TestNode_CallAfterStop(t *testing.T) {
	a, err := NewNode("127.0.0.1:0", WithNodeID("node-a"), WithDrainTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	a.Start()
	a.Stop()

	if _, err := a.Call("anyone", "echo", nil); !errors.Is(err, ErrNodeClosed) {
		t.Fatalf("Call: got %v, want ErrNodeClosed", err)
	}
	if err := a.Publish("topic", nil); !errors.Is(err, ErrNodeClosed) {
		t.Fatalf("Publish: got %v, want ErrNodeClosed", err)
	}
}

func TestNode_StopIdempotent(t *testing.T) {
	a, err := NewNode("127.0.0.1:0", WithNodeID("node-a"), WithDrainTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	a.Start()
	a.Stop()
	a.Stop()
	a.Stop()
}

// --- pub/sub ---

func TestNode_PublishFanOut(t *testing.T) {
	pub := newTestNode(t, "node-pub")
	sub1 := newTestNode(t, "node-sub1")
	sub2 := newTestNode(t, "node-sub2")

	got1 := make(chan interface{}, 1)
	got2 := make(chan interface{}, 1)
	sub1.Subscribe("deploys", func(topic string, body interface{}) { got1 <- body })
	sub2.Subscribe("deploys", func(topic string, body interface{}) { got2 <- body })

	if _, err := pub.Connect(sub1.Addr()); err != nil {
		t.Fatalf("Connect sub1: %v", err)
	}
	if _, err := pub.Connect(sub2.Addr()); err != nil {
		t.Fatalf("Connect sub2: %v", err)
	}

	// Interest arrived with the handshake snapshots.
	waitFor(t, 2*time.Second, func() bool {
		return pub.PublishReceiverCount("deploys") == 2
	}, "interest never propagated")

	if err := pub.Publish("deploys", "v1.2.3"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, ch := range []chan interface{}{got1, got2} {
		select {
		case body := <-ch:
			if body != "v1.2.3" {
				t.Errorf("subscriber %d: got %v", i+1, body)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d never received the publish", i+1)
		}
	}
}

func TestNode_PublishWithNoSubscribers(t *testing.T) {
	pub := newTestNode(t, "node-pub")

	// Zero receivers is not an error.
	if err := pub.Publish("nothing-listens", "x"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := pub.PublishReceiverCount("nothing-listens"); got != 0 {
		t.Fatalf("receiver count: got %d, want 0", got)
	}
}

func TestNode_SubscribeAfterConnectPropagates(t *testing.T) {
	pub := newTestNode(t, "node-pub")
	sub := newTestNode(t, "node-sub")

	if _, err := pub.Connect(sub.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got := make(chan interface{}, 1)
	sub.Subscribe("late-topic", func(topic string, body interface{}) { got <- body })

	waitFor(t, 2*time.Second, func() bool {
		return pub.PublishReceiverCount("late-topic") == 1
	}, "subscribe announcement never arrived")

	if err := pub.Publish("late-topic", 42); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case body := <-got:
		if body != 42 {
			t.Fatalf("body: got %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish never delivered")
	}
}

func TestNode_UnsubscribeStopsDelivery(t *testing.T) {
	pub := newTestNode(t, "node-pub")
	sub := newTestNode(t, "node-sub")

	var deliveries atomic.Int64
	sub.Subscribe("metered", func(topic string, body interface{}) {
		deliveries.Add(1)
	})

	if _, err := pub.Connect(sub.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return pub.PublishReceiverCount("metered") == 1
	}, "interest never propagated")

	if !sub.Unsubscribe("metered") {
		t.Fatal("Unsubscribe returned false")
	}
	waitFor(t, 2*time.Second, func() bool {
		return pub.PublishReceiverCount("metered") == 0
	}, "unsubscribe announcement never arrived")

	if err := pub.Publish("metered", "x"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := deliveries.Load(); got != 0 {
		t.Fatalf("deliveries after unsubscribe: got %d, want 0", got)
	}
}

func TestNode_LocalPublishDelivery(t *testing.T) {
	a := newTestNode(t, "node-a")

	got := make(chan interface{}, 1)
	a.Subscribe("loopback", func(topic string, body interface{}) { got <- body })

	if count := a.PublishReceiverCount("loopback"); count != 1 {
		t.Fatalf("receiver count: got %d, want 1", count)
	}
	if err := a.Publish("loopback", "self"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case body := <-got:
		if body != "self" {
			t.Fatalf("body: got %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local delivery never happened")
	}
}

// --- connection state ---

func TestNode_WaitConnected(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	peerID, err := a.Connect(b.Addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if !a.WaitConnected(2*time.Second, peerID) {
		t.Fatal("WaitConnected: expected true for connected peer")
	}
	if a.WaitConnected(50*time.Millisecond, "nobody") {
		t.Fatal("WaitConnected: expected false for unknown peer")
	}
}

func TestNode_PeersSnapshot(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	if _, err := a.Connect(b.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	peers := a.Peers()
	if len(peers) != 1 {
		t.Fatalf("peers: got %d, want 1", len(peers))
	}
	if peers[0].ID != "node-b" {
		t.Errorf("peer id: got %q", peers[0].ID)
	}
	if peers[0].State != "connected" {
		t.Errorf("peer state: got %q, want connected", peers[0].State)
	}
	if peers[0].Address != b.Addr() {
		t.Errorf("peer address: got %q, want %q", peers[0].Address, b.Addr())
	}
}

func TestNode_ConnectRefusedWrapsErrConnect(t *testing.T) {
	a := newTestNode(t, "node-a", WithReconnectAttempts(1))

	// Grab a port that nothing listens on.
	if _, err := a.Connect("127.0.0.1:1"); !errors.Is(err, ErrConnect) {
		t.Fatalf("error: got %v, want ErrConnect", err)
	}
}
