package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"swarmstore/pkg/protocol"
)

// bootstrapLoop keeps the routing table filled: it reconnects to the
// configured seeds and asks known peers for nodes near this one.
func (n *Node) bootstrapLoop() {
	defer n.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-timer.C:
			n.bootstrap()
			idle := time.Since(time.Unix(0, n.lastNewPeer.Load()))
			timer.Reset(bootstrapInterval(n.cfg.Bootstrap.Interval, n.cfg.Bootstrap.SlowInterval,
				n.cfg.Bootstrap.IdleAfter, len(n.table.Snapshot().Connected()), idle))
		}
	}
}

// bootstrapInterval grows by one base interval per 50 connected peers, and
// drops to slow once no peer has joined for idleAfter.
func bootstrapInterval(base, slow, idleAfter time.Duration, connected int, idle time.Duration) time.Duration {
	if idle >= idleAfter {
		return slow
	}
	return base + base*time.Duration(connected/50)
}

func (n *Node) bootstrap() {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Quorum.Timeout)
	defer cancel()

	for _, addr := range n.cfg.Node.BootstrapPeers {
		if addr == n.info.Addr {
			continue
		}
		if _, err := n.Connect(ctx, addr); err != nil && ctx.Err() == nil {
			n.logger.Debug("Bootstrap peer unreachable", zap.String("address", addr), zap.Error(err))
		}
	}

	snap := n.table.Snapshot()
	asked := 0
	for _, p := range snap.ClosestPeers(n.id, n.table.K()) {
		found, err := n.transport.FindNode(ctx, protocol.PeerInfo{ID: p.ID, Addr: p.Addr}, n.id)
		if err != nil {
			continue
		}
		asked++
		for _, info := range found {
			if info.ID == n.id || snap.Get(info.ID) != nil {
				continue
			}
			// Only peers that answer us directly are added.
			if _, err := n.Connect(ctx, info.Addr); err != nil {
				n.logger.Debug("Discovered peer unreachable",
					zap.String("peer", info.ID.Short()), zap.Error(err))
			}
		}
	}
	if asked > 0 {
		n.logger.Debug("Bootstrap round complete",
			zap.Int("asked", asked),
			zap.Int("connected", len(n.table.Snapshot().Connected())))
	}
}
