// Package replication keeps close groups converging toward k copies of every
// record: it pushes new writes to the rest of the group and repairs holes
// left by churn.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"swarmstore/pkg/metrics"
	"swarmstore/pkg/protocol"
	"swarmstore/pkg/record"
	"swarmstore/pkg/routing"
	"swarmstore/pkg/xor"
)

// Transport carries replication traffic between peers.
type Transport interface {
	Replicate(ctx context.Context, peer protocol.PeerInfo, r *record.Record) error
	GetRecord(ctx context.Context, peer protocol.PeerInfo, addr xor.Identifier) ([]*record.Record, error)
	OfferAddresses(ctx context.Context, peer protocol.PeerInfo, addrs []xor.Identifier) error
}

// Store is the part of the local record store replication reads.
type Store interface {
	Versions(addr xor.Identifier) ([]*record.Record, error)
	Has(addr xor.Identifier) bool
	ListAddressesInRange(bound xor.Distance, fn func(xor.Identifier) bool) error
}

// Admitter commits replicas after integrity and conflict checks.
type Admitter interface {
	AdmitReplica(r *record.Record) error
}

type Options struct {
	Workers        int
	QueueSize      int
	RepairInterval time.Duration
	// OfferBatch caps the number of addresses in one offer.
	OfferBatch int
	// HeldTTL is how long a peer is assumed to still hold a record it
	// acknowledged.
	HeldTTL time.Duration
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type taskKind int

const (
	taskPush taskKind = iota
	taskFetch
	taskOffer
)

type task struct {
	kind   taskKind
	record *record.Record
	addr   xor.Identifier
	peer   protocol.PeerInfo
	addrs  []xor.Identifier
}

// Manager runs push-on-write and churn repair.
type Manager struct {
	table     *routing.Table
	resolver  *routing.Resolver
	store     Store
	admitter  Admitter
	transport Transport
	opts      Options
	metrics   *metrics.Metrics
	logger    *zap.Logger

	queue chan task
	held  *cache.Cache

	mu       sync.Mutex
	inflight map[xor.Identifier]bool
	wg       sync.WaitGroup
}

func New(table *routing.Table, resolver *routing.Resolver, store Store, admitter Admitter, transport Transport, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.RepairInterval <= 0 {
		opts.RepairInterval = time.Minute
	}
	if opts.OfferBatch <= 0 {
		opts.OfferBatch = 256
	}
	if opts.HeldTTL <= 0 {
		opts.HeldTTL = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		table:     table,
		resolver:  resolver,
		store:     store,
		admitter:  admitter,
		transport: transport,
		opts:      opts,
		metrics:   metrics.OrNew(opts.Metrics),
		logger:    opts.Logger,
		queue:     make(chan task, opts.QueueSize),
		held:      cache.New(opts.HeldTTL, opts.HeldTTL),
		inflight:  make(map[xor.Identifier]bool),
	}
}

// Start runs the workers, the membership watcher and the periodic repair
// loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}

	events, unsubscribe := m.table.Subscribe()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsubscribe()
		m.watch(ctx, events)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.RepairInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Repair()
			}
		}
	}()
}

// Wait blocks until every goroutine started by Start has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func heldKey(addr, peer xor.Identifier) string {
	return addr.String() + "/" + peer.String()
}

// MarkHeld records that peer holds addr, so pushes skip it.
func (m *Manager) MarkHeld(addr, peer xor.Identifier) {
	m.held.SetDefault(heldKey(addr, peer), struct{}{})
}

// Holds reports whether peer is known to hold addr.
func (m *Manager) Holds(addr, peer xor.Identifier) bool {
	_, ok := m.held.Get(heldKey(addr, peer))
	return ok
}

func (m *Manager) enqueue(t task) bool {
	select {
	case m.queue <- t:
		m.metrics.ReplicationQueueLen.Set(float64(len(m.queue)))
		return true
	default:
		// The next repair cycle covers whatever is dropped here.
		m.logger.Warn("Replication queue full, dropping task",
			zap.Int("queue_size", m.opts.QueueSize))
		return false
	}
}

// Schedule queues r to be pushed to the other close group members.
func (m *Manager) Schedule(r *record.Record) {
	m.enqueue(task{kind: taskPush, record: r})
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.queue:
			m.metrics.ReplicationQueueLen.Set(float64(len(m.queue)))
			switch t.kind {
			case taskPush:
				m.push(ctx, t.record)
			case taskFetch:
				m.fetch(ctx, t.peer, t.addr)
			case taskOffer:
				m.offer(ctx, t.peer, t.addrs)
			}
		}
	}
}

// push sends r to every remote close group member not known to hold it.
func (m *Manager) push(ctx context.Context, r *record.Record) {
	for _, p := range m.resolver.Remote(r.Address) {
		if m.Holds(r.Address, p.ID) {
			continue
		}
		peer := protocol.PeerInfo{ID: p.ID, Addr: p.Addr}
		callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		err := m.transport.Replicate(callCtx, peer, r)
		cancel()
		var conflict *record.ConflictError
		switch {
		case err == nil, errors.As(err, &conflict):
			// A conflict means the peer now holds every version.
			m.MarkHeld(r.Address, p.ID)
			m.metrics.ReplicationPushes.WithLabelValues("ok").Inc()
		default:
			m.metrics.ReplicationPushes.WithLabelValues("error").Inc()
			m.logger.Debug("Replica push failed",
				zap.String("address", r.Address.String()),
				zap.Stringer("peer", peer),
				zap.Error(err))
		}
	}
}

// Accept handles a replica pushed by from. Only connected peers may push,
// and only records this node is responsible for are kept.
func (m *Manager) Accept(from protocol.PeerInfo, r *record.Record) error {
	snap := m.table.Snapshot()
	p := snap.Get(from.ID)
	if p == nil || p.State != routing.StateConnected {
		return fmt.Errorf("%w: %s is not connected", protocol.ErrUnknownPeer, from.ID.Short())
	}
	if !snap.Responsible(r.Address) {
		return fmt.Errorf("%w: %s", protocol.ErrNotResponsible, r.Address.Short())
	}
	if err := m.admitter.AdmitReplica(r); err != nil {
		return err
	}
	m.MarkHeld(r.Address, from.ID)
	return nil
}

// HandleOffer queues fetches for offered addresses this node is responsible
// for but does not hold.
func (m *Manager) HandleOffer(from protocol.PeerInfo, addrs []xor.Identifier) {
	snap := m.table.Snapshot()
	for _, addr := range addrs {
		m.MarkHeld(addr, from.ID)
		if !snap.Responsible(addr) || m.store.Has(addr) {
			continue
		}
		m.enqueue(task{kind: taskFetch, peer: from, addr: addr})
	}
}

func (m *Manager) offer(ctx context.Context, peer protocol.PeerInfo, addrs []xor.Identifier) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	if err := m.transport.OfferAddresses(callCtx, peer, addrs); err != nil {
		m.logger.Debug("Replication offer failed",
			zap.Stringer("peer", peer),
			zap.Int("addresses", len(addrs)),
			zap.Error(err))
	}
}
