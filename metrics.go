package fabric

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across nodes.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Node. All counters are
// lock-free (atomic int64) and published to expvar under the "fabric."
// prefix for inspection via /debug/vars.
type Metrics struct {
	CallsSent      atomic.Int64
	CallsCompleted atomic.Int64
	CallsFailed    atomic.Int64
	CallsTimedOut  atomic.Int64

	RequestsServed  atomic.Int64
	RequestsErrored atomic.Int64

	PublishesSent      atomic.Int64
	PublishesDelivered atomic.Int64
	PublishesDropped   atomic.Int64

	PeerDisconnects atomic.Int64

	// peerCountFn returns the number of currently connected peers.
	// Set by Node at init time.
	peerCountFn func() int
	// pendingCallsFn returns the number of in-flight outbound calls.
	pendingCallsFn func() int
}

// newMetrics creates a Metrics instance and publishes all counters to
// expvar. Each call gets a unique expvar prefix via a monotonic sequence.
func newMetrics() *Metrics {
	m := &Metrics{}

	// Use a monotonic sequence to guarantee unique expvar names even
	// when multiple nodes live in one process (common in tests).
	seq := metricsSeq.Add(1)
	prefix := "fabric." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("calls_sent", atomicVar(&m.CallsSent))
	publish("calls_completed", atomicVar(&m.CallsCompleted))
	publish("calls_failed", atomicVar(&m.CallsFailed))
	publish("calls_timed_out", atomicVar(&m.CallsTimedOut))
	publish("requests_served", atomicVar(&m.RequestsServed))
	publish("requests_errored", atomicVar(&m.RequestsErrored))
	publish("publishes_sent", atomicVar(&m.PublishesSent))
	publish("publishes_delivered", atomicVar(&m.PublishesDelivered))
	publish("publishes_dropped", atomicVar(&m.PublishesDropped))
	publish("peer_disconnects", atomicVar(&m.PeerDisconnects))
	publish("peers_connected", expvar.Func(func() any {
		if m.peerCountFn != nil {
			return m.peerCountFn()
		}
		return 0
	}))
	publish("calls_pending", expvar.Func(func() any {
		if m.pendingCallsFn != nil {
			return m.pendingCallsFn()
		}
		return 0
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"calls_sent":          m.CallsSent.Load(),
		"calls_completed":     m.CallsCompleted.Load(),
		"calls_failed":        m.CallsFailed.Load(),
		"calls_timed_out":     m.CallsTimedOut.Load(),
		"requests_served":     m.RequestsServed.Load(),
		"requests_errored":    m.RequestsErrored.Load(),
		"publishes_sent":      m.PublishesSent.Load(),
		"publishes_delivered": m.PublishesDelivered.Load(),
		"publishes_dropped":   m.PublishesDropped.Load(),
		"peer_disconnects":    m.PeerDisconnects.Load(),
	}
	if m.peerCountFn != nil {
		snap["peers_connected"] = int64(m.peerCountFn())
	}
	if m.pendingCallsFn != nil {
		snap["calls_pending"] = int64(m.pendingCallsFn())
	}
	return snap
}
