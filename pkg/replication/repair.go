package replication

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"swarmstore/pkg/protocol"
	"swarmstore/pkg/record"
	"swarmstore/pkg/routing"
	"swarmstore/pkg/xor"
)

func (m *Manager) watch(ctx context.Context, events <-chan routing.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.onEvent(ev)
		}
	}
}

func (m *Manager) onEvent(ev routing.Event) {
	m.forget(ev.Peer.ID)
	switch ev.Kind {
	case routing.PeerJoined:
		m.offerTo(protocol.PeerInfo{ID: ev.Peer.ID, Addr: ev.Peer.Addr})
	case routing.PeerStale, routing.PeerLeft:
		// Every group the peer belonged to has a new member now.
		m.Repair()
	}
}

// forget drops what is known about a peer's holdings. A rejoining peer may
// have come back empty.
func (m *Manager) forget(peer xor.Identifier) {
	suffix := "/" + peer.String()
	for key := range m.held.Items() {
		if strings.HasSuffix(key, suffix) {
			m.held.Delete(key)
		}
	}
}

// offerTo offers a newly joined peer every held address whose close group it
// is now part of.
func (m *Manager) offerTo(peer protocol.PeerInfo) {
	var batch []xor.Identifier
	err := m.store.ListAddressesInRange(xor.MaxDistance(), func(addr xor.Identifier) bool {
		for _, id := range m.resolver.CloseGroup(addr) {
			if id == peer.ID {
				batch = append(batch, addr)
				break
			}
		}
		if len(batch) >= m.opts.OfferBatch {
			m.enqueue(task{kind: taskOffer, peer: peer, addrs: batch})
			batch = nil
		}
		return true
	})
	if err != nil {
		m.logger.Error("Failed to list addresses for new peer", zap.Stringer("peer", peer), zap.Error(err))
		return
	}
	if len(batch) > 0 {
		m.enqueue(task{kind: taskOffer, peer: peer, addrs: batch})
	}
}

// Repair offers every held address to the close group members not known to
// hold it. Receivers fetch what they are responsible for and lack.
func (m *Manager) Repair() {
	m.metrics.RepairCycles.Inc()

	batches := make(map[xor.Identifier][]xor.Identifier)
	peers := make(map[xor.Identifier]protocol.PeerInfo)
	flush := func(id xor.Identifier) {
		if len(batches[id]) == 0 {
			return
		}
		m.enqueue(task{kind: taskOffer, peer: peers[id], addrs: batches[id]})
		batches[id] = nil
	}

	err := m.store.ListAddressesInRange(xor.MaxDistance(), func(addr xor.Identifier) bool {
		for _, p := range m.resolver.Remote(addr) {
			if m.Holds(addr, p.ID) {
				continue
			}
			peers[p.ID] = protocol.PeerInfo{ID: p.ID, Addr: p.Addr}
			batches[p.ID] = append(batches[p.ID], addr)
			if len(batches[p.ID]) >= m.opts.OfferBatch {
				flush(p.ID)
			}
		}
		return true
	})
	if err != nil {
		m.logger.Error("Repair cycle failed to list addresses", zap.Error(err))
		return
	}
	for id := range batches {
		flush(id)
	}
	m.logger.Debug("Repair cycle queued offers", zap.Int("peers", len(peers)))
}

// fetch pulls addr from source and admits every version as a replica.
func (m *Manager) fetch(ctx context.Context, source protocol.PeerInfo, addr xor.Identifier) {
	m.mu.Lock()
	if m.inflight[addr] {
		m.mu.Unlock()
		return
	}
	m.inflight[addr] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, addr)
		m.mu.Unlock()
	}()

	if m.store.Has(addr) {
		return
	}

	m.logger.Debug("Fetching record for repair",
		zap.String("address", addr.String()),
		zap.Stringer("source", source))

	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	versions, err := m.transport.GetRecord(callCtx, source, addr)
	cancel()
	if err != nil {
		m.metrics.ReplicationFetches.WithLabelValues("error").Inc()
		m.logger.Debug("Repair fetch failed",
			zap.String("address", addr.String()),
			zap.Stringer("source", source),
			zap.Error(err))
		return
	}

	for _, v := range versions {
		if v.Address != addr {
			m.metrics.ReplicationFetches.WithLabelValues("invalid").Inc()
			m.logger.Warn("Peer answered with a record for another address",
				zap.String("address", addr.String()),
				zap.String("got", v.Address.String()),
				zap.Stringer("source", source))
			return
		}
		err := m.admitter.AdmitReplica(v)
		var conflict *record.ConflictError
		if err != nil && !errors.As(err, &conflict) {
			m.metrics.ReplicationFetches.WithLabelValues("rejected").Inc()
			m.logger.Warn("Fetched replica rejected",
				zap.String("address", addr.String()),
				zap.Stringer("source", source),
				zap.Error(err))
			return
		}
	}
	m.metrics.ReplicationFetches.WithLabelValues("ok").Inc()
	m.logger.Debug("Repair fetch completed",
		zap.String("address", addr.String()),
		zap.Stringer("source", source),
		zap.Int("versions", len(versions)))
}
