package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"swarmstore/pkg/record"
)

// CircuitState is a connection's breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject requests
	CircuitHalfOpen                     // Testing recovery
)

// Pool keeps one multiplexed gRPC connection per peer address.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*pooledConn
	logger      *zap.Logger
	dialer      func(ctx context.Context, addr string) (net.Conn, error)

	idleTimeout      time.Duration
	failureThreshold int
	cooldown         time.Duration

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

type pooledConn struct {
	conn     *grpc.ClientConn
	addr     string
	created  time.Time
	lastUsed time.Time
	useCount int64
	mu       sync.Mutex

	failures     int
	lastFailure  time.Time
	circuitState CircuitState
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	IdleTimeout time.Duration
	// FailureThreshold consecutive failures open the circuit for Cooldown.
	FailureThreshold int
	Cooldown         time.Duration
	// Dialer replaces TCP, e.g. with an in-memory listener.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
	Logger *zap.Logger
}

func NewPool(opts PoolOptions) *Pool {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	p := &Pool{
		connections:      make(map[string]*pooledConn),
		logger:           opts.Logger,
		dialer:           opts.Dialer,
		idleTimeout:      opts.IdleTimeout,
		failureThreshold: opts.FailureThreshold,
		cooldown:         opts.Cooldown,
		stopCleanup:      make(chan struct{}),
	}
	go p.maintainConnections()
	return p
}

// Get returns the connection to addr, dialing if needed. It fails fast while
// the circuit for addr is open.
func (p *Pool) Get(addr string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	pooled, exists := p.connections[addr]
	p.mu.RUnlock()

	if exists {
		if err := pooled.admit(p.cooldown); err != nil {
			return nil, err
		}
		if pooled.usable() {
			pooled.recordUse()
			return pooled.conn, nil
		}
	}
	return p.createConnection(addr)
}

func (p *Pool) createConnection(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pooled, exists := p.connections[addr]; exists && pooled.usable() {
		pooled.recordUse()
		return pooled.conn, nil
	}
	if old, exists := p.connections[addr]; exists {
		old.conn.Close()
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if p.dialer != nil {
		opts = append(opts, grpc.WithContextDialer(p.dialer))
	}
	// Dialing is lazy: the first RPC connects.
	conn, err := grpc.DialContext(context.Background(), addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", record.ErrPeerUnreachable, addr, err)
	}
	now := time.Now()
	p.connections[addr] = &pooledConn{
		conn:         conn,
		addr:         addr,
		created:      now,
		lastUsed:     now,
		circuitState: CircuitClosed,
	}
	p.logger.Debug("Opened peer connection", zap.String("addr", addr))
	return conn, nil
}

// Success resets the breaker for addr.
func (p *Pool) Success(addr string) {
	if pooled := p.lookup(addr); pooled != nil {
		pooled.mu.Lock()
		pooled.failures = 0
		pooled.circuitState = CircuitClosed
		pooled.mu.Unlock()
	}
}

// Failure records a failed call to addr, opening the circuit at the threshold.
func (p *Pool) Failure(addr string) {
	pooled := p.lookup(addr)
	if pooled == nil {
		return
	}
	pooled.mu.Lock()
	defer pooled.mu.Unlock()
	pooled.failures++
	pooled.lastFailure = time.Now()
	if pooled.circuitState != CircuitOpen && pooled.failures >= p.failureThreshold {
		pooled.circuitState = CircuitOpen
		p.logger.Warn("Circuit breaker opened for peer",
			zap.String("addr", addr),
			zap.Int("failures", pooled.failures))
	}
}

// State reports the breaker state for addr.
func (p *Pool) State(addr string) CircuitState {
	pooled := p.lookup(addr)
	if pooled == nil {
		return CircuitClosed
	}
	pooled.mu.Lock()
	defer pooled.mu.Unlock()
	return pooled.circuitState
}

func (p *Pool) lookup(addr string) *pooledConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connections[addr]
}

func (p *Pool) maintainConnections() {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.performMaintenance()
		case <-p.stopCleanup:
			return
		}
	}
}

// performMaintenance closes idle connections.
func (p *Pool) performMaintenance() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for addr, pooled := range p.connections {
		pooled.mu.Lock()
		idle := now.Sub(pooled.lastUsed)
		pooled.mu.Unlock()
		if idle > p.idleTimeout {
			pooled.conn.Close()
			delete(p.connections, addr)
			p.logger.Debug("Removed idle connection", zap.String("addr", addr))
		}
	}
}

// Len is the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// Close closes all connections and stops maintenance.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.stopCleanup) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pooled := range p.connections {
		pooled.conn.Close()
	}
	p.connections = make(map[string]*pooledConn)
	return nil
}

// admit rejects calls while the circuit is open and moves it to half-open
// once the cooldown has passed.
func (pc *pooledConn) admit(cooldown time.Duration) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.circuitState != CircuitOpen {
		return nil
	}
	if time.Since(pc.lastFailure) < cooldown {
		return fmt.Errorf("%w: circuit open for %s", record.ErrPeerUnreachable, pc.addr)
	}
	pc.circuitState = CircuitHalfOpen
	return nil
}

func (pc *pooledConn) usable() bool {
	state := pc.conn.GetState()
	return state != connectivity.Shutdown
}

func (pc *pooledConn) recordUse() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.lastUsed = time.Now()
	pc.useCount++
}
