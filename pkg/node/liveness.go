package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmstore/pkg/routing"
)

// livenessLoop pings every peer not heard from within one interval and feeds
// the outcome back into the routing table.
func (n *Node) livenessLoop() {
	defer n.wg.Done()

	interval := n.cfg.Routing.LivenessInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.checkPeers(time.Now().Add(-interval))
			n.refreshStats()
		}
	}
}

func (n *Node) checkPeers(before time.Time) {
	peers := n.table.Snapshot().Unchecked(before)
	if len(peers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p routing.Peer) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Network.RPCTimeout)
			defer cancel()

			info, err := n.transport.Ping(ctx, p.Addr)
			switch {
			case err != nil:
				if n.ctx.Err() != nil {
					return
				}
				n.logger.Debug("Peer missed liveness check",
					zap.String("peer", p.ID.Short()),
					zap.String("address", p.Addr),
					zap.Int("failures", p.Failures+1),
					zap.Error(err))
				n.table.RecordFailure(p.ID)
			case info.ID != p.ID:
				// Another node now answers at this address.
				n.table.RemovePeer(p.ID)
				n.table.AddPeer(info.ID, info.Addr)
			default:
				n.table.RecordSuccess(p.ID)
			}
		}(p)
	}
	wg.Wait()
}

func (n *Node) refreshStats() {
	snap := n.table.Snapshot()
	n.metrics.PeersConnected.Set(float64(len(snap.Connected())))
	n.metrics.RecordsStored.Set(float64(n.store.Len()))
	n.metrics.BytesStored.Set(float64(n.store.UsedBytes()))
	n.metrics.Price.Set(float64(n.payments.Price()))
	n.payments.Prune()
}

// membershipLoop counts routing events and remembers when a peer last joined.
func (n *Node) membershipLoop(events <-chan routing.Event) {
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.metrics.MembershipEvents.WithLabelValues(ev.Kind.String()).Inc()
			if ev.Kind == routing.PeerJoined {
				n.lastNewPeer.Store(time.Now().UnixNano())
			}
		}
	}
}
