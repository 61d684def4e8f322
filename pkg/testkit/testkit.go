// Package testkit runs a network of nodes inside one process, connected over
// in-memory listeners.
package testkit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"swarmstore/pkg/config"
	"swarmstore/pkg/node"
	"swarmstore/pkg/record"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/xor"
)

const bufSize = 1024 * 1024

type member struct {
	node     *node.Node
	listener *bufconn.Listener
	silent   *atomic.Bool
}

// Network is a set of in-process nodes. The first node added is the
// bootstrap peer for every later one.
type Network struct {
	mu      sync.Mutex
	members map[string]*member
	order   []string
	seq     int
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{members: make(map[string]*member), logger: logger}
}

// Config is a node configuration tuned for fast convergence.
func Config() *config.Config {
	cfg := config.Default()
	cfg.Node.InMemory = true
	cfg.Node.DataDir = ""
	cfg.Routing.StaleAfter = 2
	cfg.Routing.EvictAfter = 2
	cfg.Routing.LivenessInterval = 50 * time.Millisecond
	cfg.Quorum.Timeout = time.Second
	cfg.Quorum.RetryDelay = 20 * time.Millisecond
	cfg.Network.RPCTimeout = 250 * time.Millisecond
	cfg.Network.MaxRetries = 1
	cfg.Network.BaseDelay = 10 * time.Millisecond
	cfg.Network.MaxDelay = 50 * time.Millisecond
	cfg.Network.Cooldown = 100 * time.Millisecond
	cfg.Replication.RepairInterval = 500 * time.Millisecond
	cfg.Bootstrap.Interval = 100 * time.Millisecond
	return cfg
}

// Dial connects to the node listening at addr.
func (n *Network) Dial(ctx context.Context, addr string) (net.Conn, error) {
	n.mu.Lock()
	m, ok := n.members[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("testkit: connection refused: %s", addr)
	}
	return m.listener.DialContext(ctx)
}

// silence makes a node accept calls and never answer them.
func silence(flag *atomic.Bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if flag.Load() {
			<-ctx.Done()
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return handler(ctx, req)
	}
}

// Add starts a node built from cfg, or Config() when nil.
func (n *Network) Add(cfg *config.Config) (*node.Node, error) {
	if cfg == nil {
		cfg = Config()
	}

	n.mu.Lock()
	addr := fmt.Sprintf("node-%d", n.seq)
	n.seq++
	if len(n.order) > 0 {
		cfg.Node.BootstrapPeers = []string{n.order[0]}
	}
	n.mu.Unlock()
	cfg.Node.Address = addr
	cfg.Node.AdvertiseAddress = addr

	m := &member{listener: bufconn.Listen(bufSize), silent: &atomic.Bool{}}
	nd, err := node.New(node.Options{
		Config:        cfg,
		Listener:      m.listener,
		Dialer:        n.Dial,
		ServerOptions: []grpc.ServerOption{grpc.UnaryInterceptor(silence(m.silent))},
		Logger:        n.logger.With(zap.String("address", addr)),
	})
	if err != nil {
		return nil, err
	}
	m.node = nd

	n.mu.Lock()
	n.members[addr] = m
	n.order = append(n.order, addr)
	n.mu.Unlock()

	if err := nd.Start(); err != nil {
		n.Remove(addr)
		return nil, err
	}
	return nd, nil
}

// Grow adds count nodes.
func (n *Network) Grow(count int) error {
	for i := 0; i < count; i++ {
		if _, err := n.Add(nil); err != nil {
			return err
		}
	}
	return nil
}

// Nodes returns the live nodes in the order they were added.
func (n *Network) Nodes() []*node.Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*node.Node, 0, len(n.order))
	for _, addr := range n.order {
		out = append(out, n.members[addr].node)
	}
	return out
}

// SetSilent makes the node at addr stop answering, or answer again.
func (n *Network) SetSilent(addr string, silent bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m, ok := n.members[addr]; ok {
		m.silent.Store(silent)
	}
}

// Remove stops the node at addr. Later dials to it are refused.
func (n *Network) Remove(addr string) {
	n.mu.Lock()
	m, ok := n.members[addr]
	delete(n.members, addr)
	for i, a := range n.order {
		if a == addr {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	if m.node != nil {
		m.node.Stop()
	}
	m.listener.Close()
}

// Close stops every node.
func (n *Network) Close() {
	n.mu.Lock()
	addrs := append([]string(nil), n.order...)
	n.mu.Unlock()
	for _, addr := range addrs {
		n.Remove(addr)
	}
}

// Converged reports whether every node sees at least peers connected peers.
func (n *Network) Converged(peers int) bool {
	for _, nd := range n.Nodes() {
		if nd.Status().Connected < peers {
			return false
		}
	}
	return true
}

// Holders returns the live nodes holding addr.
func (n *Network) Holders(addr xor.Identifier) []*node.Node {
	var out []*node.Node
	for _, nd := range n.Nodes() {
		if nd.Holds(addr) {
			out = append(out, nd)
		}
	}
	return out
}

// Pay quotes r against entry and attaches a proof signed by wallet.
func Pay(ctx context.Context, entry *node.Node, wallet transfer.Signer, r *record.Record) (*record.Record, error) {
	q, err := entry.Quote(ctx, r.Address, r.Kind)
	if err != nil {
		return nil, err
	}
	return r.WithProof(transfer.Pay(wallet, q, q.Price, xor.Random())), nil
}
