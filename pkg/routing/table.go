// Package routing keeps a node's view of the overlay: peers bucketed by
// common prefix length with the node's own identifier, their liveness state,
// and membership events for whoever needs to react to churn.
package routing

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swarmstore/pkg/xor"
)

// State is a peer entry's position in its lifecycle.
type State int

const (
	StateUnknown State = iota
	StateConnected
	StateStale
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Peer is an immutable view of a routing table entry.
type Peer struct {
	ID       xor.Identifier
	Addr     string
	LastSeen time.Time
	State    State
	Failures int
}

// EventKind classifies membership changes.
type EventKind int

const (
	PeerJoined EventKind = iota
	PeerStale
	PeerLeft
)

func (k EventKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerStale:
		return "stale"
	default:
		return "left"
	}
}

// Event reports that Peer changed membership.
type Event struct {
	Kind EventKind
	Peer Peer
}

// Options configures a Table.
type Options struct {
	Self xor.Identifier
	// K is the close group size.
	K          int
	BucketSize int
	// StaleAfter consecutive failures move a connected peer to stale.
	StaleAfter int
	// EvictAfter further failures remove a stale peer.
	EvictAfter int
	Logger     *zap.Logger
}

const eventBuffer = 64

// Table is the routing table. Mutations are serialized and install a new
// immutable Snapshot atomically; readers never block on writers.
type Table struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	buckets [xor.Bits + 1][]*Peer
	version uint64

	snap atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewTable creates an empty table.
func NewTable(opts Options) *Table {
	if opts.K <= 0 {
		opts.K = 5
	}
	if opts.BucketSize <= 0 {
		opts.BucketSize = 20
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 3
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	t := &Table{
		opts:   opts,
		logger: opts.Logger,
		subs:   make(map[int]chan Event),
	}
	t.snap.Store(&Snapshot{self: opts.Self, k: opts.K})
	return t
}

// Self returns the local identifier.
func (t *Table) Self() xor.Identifier { return t.opts.Self }

// K returns the close group size.
func (t *Table) K() int { return t.opts.K }

// Snapshot returns the current immutable view.
func (t *Table) Snapshot() *Snapshot { return t.snap.Load() }

func (t *Table) bucketIndex(id xor.Identifier) int {
	return xor.CommonPrefixLen(t.opts.Self, id)
}

func (t *Table) find(id xor.Identifier) (int, int) {
	b := t.bucketIndex(id)
	for i, p := range t.buckets[b] {
		if p.ID == id {
			return b, i
		}
	}
	return b, -1
}

// AddPeer records a discovered or contacting peer as connected. It returns
// false when the peer's bucket is full of live peers.
func (t *Table) AddPeer(id xor.Identifier, addr string) bool {
	if id == t.opts.Self {
		return false
	}
	var events []Event
	present := false
	t.mutate(func() {
		b, i := t.find(id)
		if i >= 0 {
			p := t.buckets[b][i]
			if addr != "" {
				p.Addr = addr
			}
			events = t.markAlive(p)
			present = true
			return
		}
		bucket := t.buckets[b]
		if len(bucket) >= t.opts.BucketSize {
			victim := -1
			for j, p := range bucket {
				if p.State == StateStale {
					victim = j
					break
				}
			}
			if victim < 0 {
				return
			}
			events = append(events, t.removeAt(b, victim))
			bucket = t.buckets[b]
		}
		p := &Peer{ID: id, Addr: addr, LastSeen: time.Now(), State: StateConnected}
		t.buckets[b] = append(bucket, p)
		events = append(events, Event{Kind: PeerJoined, Peer: *p})
		present = true
	})
	t.publish(events)
	return present
}

// markAlive refreshes p and reconnects it if it had gone stale.
func (t *Table) markAlive(p *Peer) []Event {
	p.LastSeen = time.Now()
	p.Failures = 0
	if p.State != StateConnected {
		p.State = StateConnected
		return []Event{{Kind: PeerJoined, Peer: *p}}
	}
	return nil
}

// RecordSuccess notes a successful exchange with id.
func (t *Table) RecordSuccess(id xor.Identifier) {
	var events []Event
	t.mutate(func() {
		b, i := t.find(id)
		if i < 0 {
			return
		}
		events = t.markAlive(t.buckets[b][i])
	})
	t.publish(events)
}

// RecordFailure notes a failed exchange with id, moving it to stale and then
// out of the table once the thresholds are crossed.
func (t *Table) RecordFailure(id xor.Identifier) {
	var events []Event
	t.mutate(func() {
		b, i := t.find(id)
		if i < 0 {
			return
		}
		p := t.buckets[b][i]
		p.Failures++
		switch {
		case p.State == StateConnected && p.Failures >= t.opts.StaleAfter:
			p.State = StateStale
			events = append(events, Event{Kind: PeerStale, Peer: *p})
		case p.State == StateStale && p.Failures >= t.opts.StaleAfter+t.opts.EvictAfter:
			events = append(events, t.removeAt(b, i))
		}
	})
	t.publish(events)
}

// RemovePeer drops id immediately, as on explicit departure.
func (t *Table) RemovePeer(id xor.Identifier) {
	var events []Event
	t.mutate(func() {
		b, i := t.find(id)
		if i < 0 {
			return
		}
		events = append(events, t.removeAt(b, i))
	})
	t.publish(events)
}

func (t *Table) removeAt(b, i int) Event {
	p := *t.buckets[b][i]
	p.State = StateEvicted
	t.buckets[b] = append(t.buckets[b][:i], t.buckets[b][i+1:]...)
	return Event{Kind: PeerLeft, Peer: p}
}

// mutate runs fn under the writer lock and installs a fresh snapshot.
func (t *Table) mutate(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
	var peers []Peer
	for _, bucket := range t.buckets {
		for _, p := range bucket {
			peers = append(peers, *p)
		}
	}
	t.version++
	t.snap.Store(&Snapshot{self: t.opts.Self, k: t.opts.K, version: t.version, peers: peers})
}

// Subscribe returns a channel of membership events and a function that
// cancels the subscription. Slow subscribers lose events; periodic repair
// covers what they miss.
func (t *Table) Subscribe() (<-chan Event, func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextID
	t.nextID++
	ch := make(chan Event, eventBuffer)
	t.subs[id] = ch
	return ch, func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

func (t *Table) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ev := range events {
		t.logger.Debug("Membership change",
			zap.Stringer("event", ev.Kind),
			zap.String("peer", ev.Peer.ID.Short()),
			zap.String("addr", ev.Peer.Addr))
		for _, ch := range t.subs {
			select {
			case ch <- ev:
			default:
				t.logger.Warn("Dropping membership event for slow subscriber",
					zap.String("peer", ev.Peer.ID.Short()))
			}
		}
	}
}
