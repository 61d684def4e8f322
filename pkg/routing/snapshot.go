package routing

import (
	"time"

	"swarmstore/pkg/xor"
)

// Snapshot is an immutable routing table view. Every close-group computation
// runs against one snapshot so concurrent churn cannot change the answer
// mid-operation.
type Snapshot struct {
	self    xor.Identifier
	k       int
	version uint64
	peers   []Peer
}

// Version increases with every installed snapshot.
func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) Self() xor.Identifier { return s.self }

func (s *Snapshot) K() int { return s.k }

// Peers returns every entry, whatever its state.
func (s *Snapshot) Peers() []Peer {
	return append([]Peer(nil), s.peers...)
}

// Get returns the entry for id, or nil.
func (s *Snapshot) Get(id xor.Identifier) *Peer {
	for i := range s.peers {
		if s.peers[i].ID == id {
			p := s.peers[i]
			return &p
		}
	}
	return nil
}

// Connected returns the peers in the connected state.
func (s *Snapshot) Connected() []Peer {
	var out []Peer
	for _, p := range s.peers {
		if p.State == StateConnected {
			out = append(out, p)
		}
	}
	return out
}

// ClosestPeers returns up to k connected peers ordered by distance to target.
func (s *Snapshot) ClosestPeers(target xor.Identifier, k int) []Peer {
	connected := s.Connected()
	ids := make([]xor.Identifier, len(connected))
	byID := make(map[xor.Identifier]Peer, len(connected))
	for i, p := range connected {
		ids[i] = p.ID
		byID[p.ID] = p
	}
	closest := xor.Closest(target, ids, k)
	out := make([]Peer, len(closest))
	for i, id := range closest {
		out[i] = byID[id]
	}
	return out
}

// CloseGroup returns the k identifiers, self included, nearest to target.
func (s *Snapshot) CloseGroup(target xor.Identifier) []xor.Identifier {
	connected := s.Connected()
	ids := make([]xor.Identifier, 0, len(connected)+1)
	ids = append(ids, s.self)
	for _, p := range connected {
		ids = append(ids, p.ID)
	}
	return xor.Closest(target, ids, s.k)
}

// Responsible reports whether self belongs to the close group of target.
func (s *Snapshot) Responsible(target xor.Identifier) bool {
	for _, id := range s.CloseGroup(target) {
		if id == s.self {
			return true
		}
	}
	return false
}

// ResponsibilityBound is the distance from self to its k-th closest
// connected peer. Addresses within it are ones self is expected to hold.
// With fewer than k peers every address is within bound.
func (s *Snapshot) ResponsibilityBound() xor.Distance {
	closest := s.ClosestPeers(s.self, s.k)
	if len(closest) < s.k {
		return xor.MaxDistance()
	}
	return xor.Between(s.self, closest[len(closest)-1].ID)
}

// Unchecked returns connected or stale peers not heard from since before.
func (s *Snapshot) Unchecked(before time.Time) []Peer {
	var out []Peer
	for _, p := range s.peers {
		if p.State != StateEvicted && p.LastSeen.Before(before) {
			out = append(out, p)
		}
	}
	return out
}
