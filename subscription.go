package fabric

import (
	"log/slog"
	"sync"

	"github.com/asaskevich/EventBus"
)

// SubscriptionFunc receives locally-delivered publishes for one topic.
// It runs on a delivery goroutine, never on a connection's read loop.
type SubscriptionFunc func(topic string, body interface{})

// publishEvent is the value handed to the event bus. Wrapping the body
// in a struct keeps nil publish bodies off the bus's reflection path.
type publishEvent struct {
	topic string
	body  interface{}
}

// subscriptionRegistry tracks two sides of the pub/sub fabric:
//
//   - local subscriptions (topic -> callback), delivered asynchronously
//     through an event bus so a slow subscriber cannot stall dispatch;
//   - remote interest (peer -> topics), learned from handshake snapshots
//     and Subscribe/Unsubscribe announcements.
//
// Topic matching is exact-string. One callback per topic: subscribing
// again replaces the previous callback, Unsubscribe takes only the topic.
type subscriptionRegistry struct {
	mu     sync.RWMutex
	local  map[string]func(ev publishEvent) // wrapped callbacks, keyed by topic
	remote map[string]map[string]struct{}   // peerID -> set of topics

	bus EventBus.Bus
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		local:  make(map[string]func(ev publishEvent)),
		remote: make(map[string]map[string]struct{}),
		bus:    EventBus.New(),
	}
}

// addLocal registers a local subscription. Returns true if the topic is
// new (and so needs announcing to peers).
func (sr *subscriptionRegistry) addLocal(topic string, fn SubscriptionFunc) bool {
	wrapped := func(ev publishEvent) {
		// A panicking subscriber is isolated: report and drop.
		defer func() {
			if r := recover(); r != nil {
				slog.Error("subscriber panic", "topic", ev.topic, "panic", r)
			}
		}()
		fn(ev.topic, ev.body)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	prev, existed := sr.local[topic]
	if existed {
		sr.bus.Unsubscribe(topic, prev)
	}
	sr.local[topic] = wrapped
	sr.bus.SubscribeAsync(topic, wrapped, false)
	return !existed
}

// removeLocal drops the local subscription for topic. Returns true if a
// subscription was there and removed.
func (sr *subscriptionRegistry) removeLocal(topic string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	fn, ok := sr.local[topic]
	if !ok {
		return false
	}
	delete(sr.local, topic)
	sr.bus.Unsubscribe(topic, fn)
	return true
}

// deliverLocal hands a publish to the local subscriber, if any.
// Delivery is asynchronous; returns true if a subscriber existed.
func (sr *subscriptionRegistry) deliverLocal(topic string, body interface{}) bool {
	sr.mu.RLock()
	_, ok := sr.local[topic]
	sr.mu.RUnlock()
	if !ok {
		return false
	}
	sr.bus.Publish(topic, publishEvent{topic: topic, body: body})
	return true
}

// hasLocal reports whether this node subscribes to topic.
func (sr *subscriptionRegistry) hasLocal(topic string) bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	_, ok := sr.local[topic]
	return ok
}

// localTopics returns a snapshot of locally subscribed topics, used for
// the handshake's subscription exchange.
func (sr *subscriptionRegistry) localTopics() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	topics := make([]string, 0, len(sr.local))
	for t := range sr.local {
		topics = append(topics, t)
	}
	return topics
}

// setPeerTopics replaces a peer's interest set with the handshake snapshot.
func (sr *subscriptionRegistry) setPeerTopics(peerID string, topics []string) {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	sr.mu.Lock()
	sr.remote[peerID] = set
	sr.mu.Unlock()
}

func (sr *subscriptionRegistry) addRemote(peerID, topic string) {
	sr.mu.Lock()
	set, ok := sr.remote[peerID]
	if !ok {
		set = make(map[string]struct{})
		sr.remote[peerID] = set
	}
	set[topic] = struct{}{}
	sr.mu.Unlock()
}

func (sr *subscriptionRegistry) removeRemote(peerID, topic string) {
	sr.mu.Lock()
	if set, ok := sr.remote[peerID]; ok {
		delete(set, topic)
	}
	sr.mu.Unlock()
}

// dropPeer forgets a disconnected peer's interest. The snapshot is
// re-exchanged on reconnect.
func (sr *subscriptionRegistry) dropPeer(peerID string) {
	sr.mu.Lock()
	delete(sr.remote, peerID)
	sr.mu.Unlock()
}

// remoteTopics returns every topic any connected peer is interested in.
func (sr *subscriptionRegistry) remoteTopics() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	seen := make(map[string]struct{})
	var topics []string
	for _, set := range sr.remote {
		for t := range set {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}
	return topics
}

// peersFor returns the ids of peers that declared interest in topic.
func (sr *subscriptionRegistry) peersFor(topic string) []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	var ids []string
	for peerID, set := range sr.remote {
		if _, ok := set[topic]; ok {
			ids = append(ids, peerID)
		}
	}
	return ids
}

// waitDeliveries blocks until all in-flight async local deliveries finish.
// Used during Stop and by tests.
func (sr *subscriptionRegistry) waitDeliveries() {
	sr.bus.WaitAsync()
}
