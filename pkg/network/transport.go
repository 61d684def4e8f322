// Package network carries the peer protocol between nodes: pooled gRPC
// connections with a circuit breaker, per-peer in-flight limits and retry
// with exponential backoff.
package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"swarmstore/pkg/metrics"
	"swarmstore/pkg/protocol"
	"swarmstore/pkg/record"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/xor"
)

// Options configures a Transport.
type Options struct {
	Self protocol.PeerInfo
	// RPCTimeout bounds each attempt.
	RPCTimeout time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// JitterFactor spreads retries by ±JitterFactor of the delay.
	JitterFactor       float64
	MaxInFlightPerPeer int
	Pool               PoolOptions
	Dialer             func(ctx context.Context, addr string) (net.Conn, error)
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
}

// Transport calls peers over gRPC.
type Transport struct {
	self    protocol.PeerInfo
	pool    *Pool
	limiter *Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger

	rpcTimeout   time.Duration
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

func NewTransport(opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.JitterFactor == 0 {
		opts.JitterFactor = 0.2
	}
	poolOpts := opts.Pool
	poolOpts.Logger = opts.Logger
	if opts.Dialer != nil {
		poolOpts.Dialer = opts.Dialer
	}
	return &Transport{
		self:         opts.Self,
		pool:         NewPool(poolOpts),
		limiter:      NewLimiter(opts.MaxInFlightPerPeer),
		metrics:      metrics.OrNew(opts.Metrics),
		logger:       opts.Logger,
		rpcTimeout:   opts.RPCTimeout,
		maxRetries:   opts.MaxRetries,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		jitterFactor: opts.JitterFactor,
	}
}

// SetSelf changes the identity announced on outgoing calls, once the
// listen address is known.
func (t *Transport) SetSelf(self protocol.PeerInfo) { t.self = self }

func (t *Transport) Close() error { return t.pool.Close() }

// Limiter exposes the per-peer in-flight limiter.
func (t *Transport) Limiter() *Limiter { return t.limiter }

// Pool exposes the connection pool.
func (t *Transport) Pool() *Pool { return t.pool }

// callFunc performs one attempt against a peer.
type callFunc func(ctx context.Context, c *protocol.Client) error

// call runs fn against peer with the in-flight limit held, retrying
// transient failures with backoff.
func (t *Transport) call(ctx context.Context, peer protocol.PeerInfo, operation string, fn callFunc) error {
	release, err := t.limiter.Acquire(ctx, peer.ID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", record.ErrPeerUnreachable, peer, err)
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", record.ErrPeerUnreachable, peer, ctx.Err())
		}
		err := t.attempt(ctx, peer, fn)
		if err == nil {
			t.pool.Success(peer.Addr)
			return nil
		}
		if ctx.Err() != nil {
			// Abandoned by the caller; not the peer's fault.
			return fmt.Errorf("%w: %s: %v", record.ErrPeerUnreachable, peer, ctx.Err())
		}
		if !protocol.IsRetryable(err) {
			// The peer answered; it just said no.
			t.pool.Success(peer.Addr)
			return err
		}
		t.pool.Failure(peer.Addr)
		lastErr = err

		t.logger.Debug("Operation failed, retrying",
			zap.String("peer", peer.String()),
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < t.maxRetries-1 {
			t.metrics.RetryAttempts.Inc()
			select {
			case <-time.After(t.calculateBackoff(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", record.ErrPeerUnreachable, peer, ctx.Err())
			}
		}
	}
	if !errors.Is(lastErr, record.ErrPeerUnreachable) {
		lastErr = fmt.Errorf("%w: %v", record.ErrPeerUnreachable, lastErr)
	}
	return fmt.Errorf("all attempts failed for %s to %s: %w", operation, peer, lastErr)
}

func (t *Transport) attempt(ctx context.Context, peer protocol.PeerInfo, fn callFunc) error {
	conn, err := t.pool.Get(peer.Addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()
	return fn(ctx, protocol.NewClient(conn, t.self))
}

// calculateBackoff is baseDelay * 2^attempt, capped at maxDelay, with jitter.
func (t *Transport) calculateBackoff(attempt int) time.Duration {
	delay := float64(t.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(t.maxDelay) {
		delay = float64(t.maxDelay)
	}
	delay += delay * t.jitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(t.baseDelay)
	}
	return time.Duration(delay)
}

func (t *Transport) GetRecord(ctx context.Context, peer protocol.PeerInfo, addr xor.Identifier) ([]*record.Record, error) {
	var out []*record.Record
	err := t.call(ctx, peer, "get_record", func(ctx context.Context, c *protocol.Client) error {
		var err error
		out, err = c.GetRecord(ctx, addr)
		return err
	})
	return out, err
}

func (t *Transport) PutRecord(ctx context.Context, peer protocol.PeerInfo, r *record.Record) error {
	return t.call(ctx, peer, "put_record", func(ctx context.Context, c *protocol.Client) error {
		return c.PutRecord(ctx, r)
	})
}

func (t *Transport) Replicate(ctx context.Context, peer protocol.PeerInfo, r *record.Record) error {
	return t.call(ctx, peer, "replicate", func(ctx context.Context, c *protocol.Client) error {
		return c.Replicate(ctx, r)
	})
}

// Ping contacts addr, whose identity may not be known yet.
func (t *Transport) Ping(ctx context.Context, addr string) (protocol.PeerInfo, error) {
	var info protocol.PeerInfo
	peer := protocol.PeerInfo{ID: xor.FromContent([]byte(addr)), Addr: addr}
	err := t.call(ctx, peer, "ping", func(ctx context.Context, c *protocol.Client) error {
		var err error
		info, err = c.Ping(ctx)
		return err
	})
	if err == nil && info.Addr == "" {
		info.Addr = addr
	}
	return info, err
}

func (t *Transport) FindNode(ctx context.Context, peer protocol.PeerInfo, target xor.Identifier) ([]protocol.PeerInfo, error) {
	var out []protocol.PeerInfo
	err := t.call(ctx, peer, "find_node", func(ctx context.Context, c *protocol.Client) error {
		var err error
		out, err = c.FindNode(ctx, target)
		return err
	})
	return out, err
}

func (t *Transport) OfferAddresses(ctx context.Context, peer protocol.PeerInfo, addrs []xor.Identifier) error {
	return t.call(ctx, peer, "offer_addresses", func(ctx context.Context, c *protocol.Client) error {
		return c.OfferAddresses(ctx, addrs)
	})
}

func (t *Transport) GetQuote(ctx context.Context, peer protocol.PeerInfo, addr xor.Identifier, kind record.Kind) (transfer.Quote, error) {
	var q transfer.Quote
	err := t.call(ctx, peer, "get_quote", func(ctx context.Context, c *protocol.Client) error {
		var err error
		q, err = c.GetQuote(ctx, addr, kind)
		return err
	})
	return q, err
}
