package routing

import "swarmstore/pkg/xor"

// Resolver answers which peers are responsible for an address. Each call
// takes a single snapshot.
type Resolver struct {
	table  *Table
	quorum int
}

// NewResolver builds a resolver. quorum <= 0 selects a majority of k.
func NewResolver(table *Table, quorum int) *Resolver {
	if quorum <= 0 || quorum > table.K() {
		quorum = table.K()/2 + 1
	}
	return &Resolver{table: table, quorum: quorum}
}

// Quorum is the number of agreeing close-group members an operation needs.
func (r *Resolver) Quorum() int { return r.quorum }

func (r *Resolver) K() int { return r.table.K() }

// Self returns the local identifier.
func (r *Resolver) Self() xor.Identifier { return r.table.Self() }

// CloseGroup returns the close group of addr, self included if it belongs.
func (r *Resolver) CloseGroup(addr xor.Identifier) []xor.Identifier {
	return r.table.Snapshot().CloseGroup(addr)
}

// Remote returns the close group of addr without self.
func (r *Resolver) Remote(addr xor.Identifier) []Peer {
	snap := r.table.Snapshot()
	var out []Peer
	for _, id := range snap.CloseGroup(addr) {
		if p := snap.Get(id); p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// Alternates returns connected peers beyond the close group of addr, nearest
// first, skipping those in exclude. They stand in for unreachable members.
func (r *Resolver) Alternates(addr xor.Identifier, exclude map[xor.Identifier]bool, n int) []Peer {
	snap := r.table.Snapshot()
	var out []Peer
	for _, p := range snap.ClosestPeers(addr, snap.K()+len(exclude)+n) {
		if exclude[p.ID] {
			continue
		}
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}

// Responsible reports whether self is in the close group of addr.
func (r *Resolver) Responsible(addr xor.Identifier) bool {
	return r.table.Snapshot().Responsible(addr)
}

// Lookup returns the network address of a known peer.
func (r *Resolver) Lookup(id xor.Identifier) (string, bool) {
	p := r.table.Snapshot().Get(id)
	if p == nil || p.State == StateEvicted {
		return "", false
	}
	return p.Addr, true
}
