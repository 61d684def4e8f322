// Package node runs one storage peer: the local record store, routing table,
// admission, quorum and replication, served over the peer gRPC protocol.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"swarmstore/pkg/admission"
	"swarmstore/pkg/config"
	"swarmstore/pkg/metrics"
	"swarmstore/pkg/network"
	"swarmstore/pkg/payment"
	"swarmstore/pkg/protocol"
	"swarmstore/pkg/quorum"
	"swarmstore/pkg/record"
	"swarmstore/pkg/replication"
	"swarmstore/pkg/routing"
	"swarmstore/pkg/storage"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/verifier"
	"swarmstore/pkg/xor"
)

// Options holds what a node needs beyond its configuration.
type Options struct {
	Config *config.Config
	// Signer is the node identity. Without one it is derived from
	// Config.Node.IdentitySeed, or generated.
	Signer transfer.Signer
	// Listener replaces the TCP listener on Config.Node.Address.
	Listener net.Listener
	// Dialer replaces TCP dialing to peers.
	Dialer        func(ctx context.Context, addr string) (net.Conn, error)
	ServerOptions []grpc.ServerOption
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

type Node struct {
	cfg    *config.Config
	id     xor.Identifier
	info   protocol.PeerInfo
	signer transfer.Signer

	store       *storage.Store
	table       *routing.Table
	resolver    *routing.Resolver
	payments    *payment.Validator
	admission   *admission.Controller
	quorum      *quorum.Engine
	replication *replication.Manager
	transport   *network.Transport

	server   *grpc.Server
	listener net.Listener
	metrics  *metrics.Metrics
	logger   *zap.Logger

	startedAt   time.Time
	lastNewPeer atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	signer := opts.Signer
	if signer == nil {
		var err error
		signer, err = identity(cfg.Node.IdentitySeed)
		if err != nil {
			return nil, err
		}
	}
	id := transfer.KeyAddress(signer.PublicKey())
	logger = logger.With(zap.String("node_id", id.Short()))
	m := metrics.OrNew(opts.Metrics)

	v := verifier.New()
	store, err := storage.Open(storage.Options{
		Dir:        cfg.Node.DataDir,
		InMemory:   cfg.Node.InMemory,
		MaxBytes:   cfg.Node.StorageCapacity,
		MaxRecords: cfg.Node.MaxRecords,
		Self:       id,
		Verifier:   v,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	table := routing.NewTable(routing.Options{
		Self:       id,
		K:          cfg.Routing.K,
		BucketSize: cfg.Routing.BucketSize,
		StaleAfter: cfg.Routing.StaleAfter,
		EvictAfter: cfg.Routing.EvictAfter,
		Logger:     logger,
	})
	resolver := routing.NewResolver(table, cfg.Quorum.Threshold)
	store.SetResponsibilityBound(func() xor.Distance {
		return table.Snapshot().ResponsibilityBound()
	})

	payments := payment.NewValidator(payment.Options{
		MinPrice:      cfg.Payment.MinPrice,
		MaxPrice:      cfg.Payment.MaxPrice,
		Tolerance:     cfg.Payment.Tolerance,
		QuoteValidity: cfg.Payment.QuoteValidity,
		SeenRetention: cfg.Payment.SeenRetention,
		Logger:        logger,
	}, store.Fullness, resolver.CloseGroup)

	ctrl := admission.New(store, v, payments, m, logger)

	info := protocol.PeerInfo{ID: id, Addr: cfg.Node.Advertise()}
	transport := network.NewTransport(network.Options{
		Self:               info,
		RPCTimeout:         cfg.Network.RPCTimeout,
		MaxRetries:         cfg.Network.MaxRetries,
		BaseDelay:          cfg.Network.BaseDelay,
		MaxDelay:           cfg.Network.MaxDelay,
		JitterFactor:       cfg.Network.JitterFactor,
		MaxInFlightPerPeer: cfg.Network.MaxInFlightPerPeer,
		Pool: network.PoolOptions{
			IdleTimeout:      cfg.Network.IdleTimeout,
			FailureThreshold: cfg.Network.FailureThreshold,
			Cooldown:         cfg.Network.Cooldown,
		},
		Dialer:  opts.Dialer,
		Metrics: m,
		Logger:  logger,
	})

	repl := replication.New(table, resolver, store, ctrl, transport, replication.Options{
		Workers:        cfg.Replication.Workers,
		QueueSize:      cfg.Replication.QueueSize,
		RepairInterval: cfg.Replication.RepairInterval,
		OfferBatch:     cfg.Replication.OfferBatch,
		Timeout:        cfg.Quorum.Timeout,
		Metrics:        m,
		Logger:         logger,
	})
	ctrl.SetScheduler(repl)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:         cfg,
		id:          id,
		info:        info,
		signer:      signer,
		store:       store,
		table:       table,
		resolver:    resolver,
		payments:    payments,
		admission:   ctrl,
		replication: repl,
		transport:   transport,
		listener:    opts.Listener,
		metrics:     m,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	n.quorum = quorum.New(resolver, transport, localMember{n}, quorum.Options{
		Timeout:       cfg.Quorum.Timeout,
		RetryRounds:   cfg.Quorum.RetryRounds,
		RetryDelay:    cfg.Quorum.RetryDelay,
		MaxAlternates: cfg.Quorum.MaxAlternates,
		Acked:         repl.MarkHeld,
		Metrics:       m,
		Logger:        logger,
	})
	n.server = grpc.NewServer(opts.ServerOptions...)
	protocol.RegisterPeerServer(n.server, protocol.NewServer(n, logger))
	return n, nil
}

// identity builds the node signer from a hex seed, or a fresh key.
func identity(seed string) (transfer.Signer, error) {
	if seed == "" {
		return transfer.NewEd25519Signer(nil)
	}
	b, err := hex.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid identity seed: %w", err)
	}
	return transfer.Ed25519FromSeed(b)
}

// Start listens for peers and launches the background loops. It returns once
// the server is accepting connections.
func (n *Node) Start() error {
	if n.listener == nil {
		// Bind all interfaces on the configured port when a host is given.
		bindAddr := n.cfg.Node.Address
		if host, port, err := net.SplitHostPort(bindAddr); err == nil && host != "" {
			bindAddr = ":" + port
		}
		listener, err := net.Listen("tcp", bindAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
		}
		n.listener = listener
		if strings.HasSuffix(n.info.Addr, ":0") {
			n.info.Addr = listener.Addr().String()
		}
	}
	n.transport.SetSelf(n.info)
	n.startedAt = time.Now()
	n.lastNewPeer.Store(time.Now().UnixNano())

	n.logger.Info("Node starting",
		zap.String("node_id", n.id.String()),
		zap.String("address", n.info.Addr),
		zap.Int("k", n.table.K()),
		zap.Int("bootstrap_peers", len(n.cfg.Node.BootstrapPeers)))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(n.listener); err != nil {
			n.logger.Error("Peer server stopped", zap.Error(err))
		}
	}()

	n.replication.Start(n.ctx)

	events, unsubscribe := n.table.Subscribe()
	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		defer unsubscribe()
		n.membershipLoop(events)
	}()
	go n.livenessLoop()
	go n.bootstrapLoop()
	return nil
}

// Stop shuts the node down and closes the store.
func (n *Node) Stop() {
	if !n.stopped.CompareAndSwap(false, true) {
		return
	}
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		n.server.Stop()
	}

	n.wg.Wait()
	n.replication.Wait()
	if err := n.transport.Close(); err != nil {
		n.logger.Warn("Failed to close peer connections", zap.Error(err))
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("Failed to close record store", zap.Error(err))
	}
	n.logger.Info("Node stopped")
}

func (n *Node) ID() xor.Identifier { return n.id }

// Info is the identity announced to peers.
func (n *Node) Info() protocol.PeerInfo { return n.info }

// Put writes r to its close group. A *record.PartialReplicationError with
// Quorum set means the write is durable but some members missed it.
func (n *Node) Put(ctx context.Context, r *record.Record) error {
	return n.quorum.Put(ctx, r)
}

// Get reads addr by majority of its close group.
func (n *Node) Get(ctx context.Context, addr xor.Identifier) (*record.Record, error) {
	return n.quorum.Get(ctx, addr)
}

// Records lists every locally held address, nearest to this node first.
func (n *Node) Records() []xor.Identifier {
	return n.store.Addresses()
}

// Holds reports whether this node stores addr locally.
func (n *Node) Holds(addr xor.Identifier) bool {
	return n.store.Has(addr)
}

// Local returns the versions this node holds at addr, without a quorum.
func (n *Node) Local(addr xor.Identifier) ([]*record.Record, error) {
	return n.store.Versions(addr)
}

// Peers returns the routing table contents.
func (n *Node) Peers() []routing.Peer {
	return n.table.Snapshot().Peers()
}

// Connect pings addr and adds the peer behind it to the routing table.
func (n *Node) Connect(ctx context.Context, addr string) (protocol.PeerInfo, error) {
	info, err := n.transport.Ping(ctx, addr)
	if err != nil {
		return protocol.PeerInfo{}, err
	}
	if info.ID == n.id {
		return info, nil
	}
	n.table.AddPeer(info.ID, info.Addr)
	return info, nil
}

// Status summarises the node for operators.
type Status struct {
	ID        xor.Identifier
	Addr      string
	Uptime    time.Duration
	Records   int
	UsedBytes uint64
	Capacity  uint64
	Price     uint64
	Peers     int
	Connected int
}

func (n *Node) Status() Status {
	snap := n.table.Snapshot()
	return Status{
		ID:        n.id,
		Addr:      n.info.Addr,
		Uptime:    time.Since(n.startedAt),
		Records:   n.store.Len(),
		UsedBytes: n.store.UsedBytes(),
		Capacity:  n.cfg.Node.StorageCapacity.Bytes(),
		Price:     n.payments.Price(),
		Peers:     len(snap.Peers()),
		Connected: len(snap.Connected()),
	}
}

// localMember lets the quorum engine treat this node as one of the close
// group.
type localMember struct{ n *Node }

func (l localMember) Versions(addr xor.Identifier) ([]*record.Record, error) {
	return l.n.store.Versions(addr)
}

func (l localMember) Admit(r *record.Record) error {
	return l.n.admission.Admit(r)
}
