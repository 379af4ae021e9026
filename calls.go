package fabric

import (
	"sync"
	"sync/atomic"
	"time"
)

const callShards = 64

// pendingCall tracks one outstanding request: its correlation id, the
// peer it was sent to, and the future the caller is waiting on.
type pendingCall struct {
	id       int64
	peerID   string
	future   *Future
	deadline int64 // Unix seconds from the coarse clock; 0 = no deadline
}

type callShard struct {
	mu sync.Mutex
	m  map[int64]*pendingCall
}

// callTable maps correlation ids to pending calls. Ids are drawn from a
// single atomic counter, so they are unique across all connections of a
// node (strictly stronger than the per-connection uniqueness the wire
// protocol requires). Sharded to keep insert/remove contention off the
// call hot path.
type callTable struct {
	shards [callShards]callShard
	nextID int64
}

func newCallTable() *callTable {
	ct := &callTable{}
	for i := range ct.shards {
		ct.shards[i].m = make(map[int64]*pendingCall)
	}
	return ct
}

func (ct *callTable) shard(id int64) *callShard {
	return &ct.shards[id&(callShards-1)]
}

// register allocates a fresh correlation id and a pending future, and
// inserts the entry before returning — no response can race ahead of
// the insertion because the id has not been sent yet.
func (ct *callTable) register(peerID string, timeout time.Duration) *pendingCall {
	id := atomic.AddInt64(&ct.nextID, 1)

	pc := &pendingCall{
		id:     id,
		peerID: peerID,
		future: newFuture(),
	}
	if timeout > 0 {
		// Give the sweeper a little slack past the caller's own
		// deadline so the timeout-then-late-reply race stays open
		// only briefly.
		pc.deadline = coarseNow.Load() + int64(timeout.Seconds()) + 2
	}

	s := ct.shard(id)
	s.mu.Lock()
	s.m[id] = pc
	s.mu.Unlock()

	return pc
}

// resolve settles the call's future with a value and removes the entry.
// Absent ids are ignored: late or duplicate responses after a timeout
// are expected and harmless.
func (ct *callTable) resolve(id int64, value interface{}) bool {
	pc := ct.take(id)
	if pc == nil {
		return false
	}
	return pc.future.fulfill(value)
}

// fail settles the call's future with an error and removes the entry.
// Absent ids are ignored.
func (ct *callTable) fail(id int64, err error) bool {
	pc := ct.take(id)
	if pc == nil {
		return false
	}
	return pc.future.fail(err)
}

// take removes and returns the entry for id, or nil if absent.
func (ct *callTable) take(id int64) *pendingCall {
	s := ct.shard(id)
	s.mu.Lock()
	pc, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return pc
}

// remove drops the entry without settling its future. Used when a send
// failed after registration and the caller settles the future itself.
func (ct *callTable) remove(id int64) {
	s := ct.shard(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// cancelPeer settles every outstanding call to the given peer with err
// and removes the entries. Invoked once per connection teardown.
func (ct *callTable) cancelPeer(peerID string, err error) int {
	cancelled := 0
	for i := range ct.shards {
		s := &ct.shards[i]
		s.mu.Lock()
		var doomed []*pendingCall
		for id, pc := range s.m {
			if pc.peerID == peerID {
				delete(s.m, id)
				doomed = append(doomed, pc)
			}
		}
		s.mu.Unlock()
		for _, pc := range doomed {
			pc.future.fail(err)
			cancelled++
		}
	}
	return cancelled
}

// expire removes entries whose deadline has passed, failing their
// futures with ErrTimeout. Callers blocked in Wait have usually settled
// the future themselves already; this sweep reclaims the table entry
// when no late reply ever arrived.
func (ct *callTable) expire() int {
	expired := 0
	now := coarseNow.Load()
	for i := range ct.shards {
		s := &ct.shards[i]
		s.mu.Lock()
		var doomed []*pendingCall
		for id, pc := range s.m {
			if pc.deadline != 0 && pc.deadline < now {
				delete(s.m, id)
				doomed = append(doomed, pc)
			}
		}
		s.mu.Unlock()
		for _, pc := range doomed {
			// Callers blocked in Wait usually settled the future
			// already; count only the entries this sweep settles.
			if pc.future.fail(ErrTimeout) {
				expired++
			}
		}
	}
	return expired
}

// pending returns the number of outstanding calls.
func (ct *callTable) pending() int {
	n := 0
	for i := range ct.shards {
		s := &ct.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
