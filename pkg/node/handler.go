package node

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"swarmstore/pkg/protocol"
	"swarmstore/pkg/record"
	"swarmstore/pkg/routing"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/xor"
)

// observe adds an identified caller to the routing table.
func (n *Node) observe(from protocol.PeerInfo) bool {
	if from.ID.IsZero() || from.ID == n.id || from.Addr == "" {
		return false
	}
	if p := n.table.Snapshot().Get(from.ID); p != nil && p.State == routing.StateConnected && p.Addr == from.Addr {
		return true
	}
	n.table.AddPeer(from.ID, from.Addr)
	return true
}

// GetRecord serves a peer from the local store. Anonymous callers are
// clients and get a quorum read.
func (n *Node) GetRecord(ctx context.Context, from protocol.PeerInfo, addr xor.Identifier) ([]*record.Record, error) {
	if !n.observe(from) {
		r, err := n.Get(ctx, addr)
		if err != nil {
			return nil, err
		}
		return []*record.Record{r}, nil
	}
	return n.store.Versions(addr)
}

// PutRecord admits a write relayed by a peer, or runs a quorum write for an
// anonymous client. A durable write with failed members is still returned
// to the client as a partial replication so it can tell the two apart.
func (n *Node) PutRecord(ctx context.Context, from protocol.PeerInfo, r *record.Record) error {
	if !n.observe(from) {
		err := n.Put(ctx, r)
		var partial *record.PartialReplicationError
		if errors.As(err, &partial) && partial.Quorum {
			n.logger.Warn("Client write durable with failed members",
				zap.String("address", r.Address.String()),
				zap.Int("failed", len(partial.Failed)))
		}
		return err
	}
	return n.admission.AdmitForwarded(r)
}

func (n *Node) Replicate(ctx context.Context, from protocol.PeerInfo, r *record.Record) error {
	if from.ID.IsZero() {
		return protocol.ErrUnknownPeer
	}
	return n.replication.Accept(from, r)
}

func (n *Node) Ping(ctx context.Context, from protocol.PeerInfo) {
	n.observe(from)
}

func (n *Node) FindNode(ctx context.Context, from protocol.PeerInfo, target xor.Identifier) []protocol.PeerInfo {
	n.observe(from)
	closest := n.table.Snapshot().ClosestPeers(target, n.table.K())
	out := make([]protocol.PeerInfo, 0, len(closest))
	for _, p := range closest {
		out = append(out, protocol.PeerInfo{ID: p.ID, Addr: p.Addr})
	}
	return out
}

func (n *Node) OfferAddresses(ctx context.Context, from protocol.PeerInfo, addrs []xor.Identifier) error {
	if from.ID.IsZero() || n.table.Snapshot().Get(from.ID) == nil {
		return protocol.ErrUnknownPeer
	}
	n.replication.HandleOffer(from, addrs)
	return nil
}

func (n *Node) Quote(ctx context.Context, addr xor.Identifier, kind record.Kind) (transfer.Quote, error) {
	return n.payments.Quote(addr, kind), nil
}
