// Package quorum fans reads and writes out to an address's close group and
// decides the outcome by majority.
package quorum

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"swarmstore/pkg/metrics"
	"swarmstore/pkg/protocol"
	"swarmstore/pkg/record"
	"swarmstore/pkg/routing"
	"swarmstore/pkg/xor"
)

// Transport reaches remote close group members.
type Transport interface {
	GetRecord(ctx context.Context, peer protocol.PeerInfo, addr xor.Identifier) ([]*record.Record, error)
	PutRecord(ctx context.Context, peer protocol.PeerInfo, r *record.Record) error
}

// Local is this node's own membership in a close group.
type Local interface {
	Versions(addr xor.Identifier) ([]*record.Record, error)
	Admit(r *record.Record) error
}

// Options holds the quorum policy.
type Options struct {
	// Timeout bounds a whole GET or PUT.
	Timeout time.Duration
	// RetryRounds is how many times failed PUT targets are retried.
	RetryRounds int
	RetryDelay  time.Duration
	// MaxAlternates caps how many next-closest peers may stand in for
	// unreachable members in one operation.
	MaxAlternates int
	// Acked is told about every remote member that stored a write.
	Acked   func(addr, peer xor.Identifier)
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Engine runs quorum operations.
type Engine struct {
	resolver  *routing.Resolver
	transport Transport
	local     Local
	opts      Options
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func New(resolver *routing.Resolver, transport Transport, local Local, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryRounds < 0 {
		opts.RetryRounds = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.MaxAlternates < 0 {
		opts.MaxAlternates = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		resolver:  resolver,
		transport: transport,
		local:     local,
		opts:      opts,
		metrics:   metrics.OrNew(opts.Metrics),
		logger:    opts.Logger,
	}
}

// Quorum is the number of agreeing members an operation needs.
func (e *Engine) Quorum() int { return e.resolver.Quorum() }

// target is one close group member, or self when local.
type target struct {
	peer  protocol.PeerInfo
	local bool
}

// targets resolves the close group of addr against a single snapshot.
func (e *Engine) targets(addr xor.Identifier) []target {
	self := e.resolver.Self()
	remote := make(map[xor.Identifier]routing.Peer)
	for _, p := range e.resolver.Remote(addr) {
		remote[p.ID] = p
	}
	var out []target
	for _, id := range e.resolver.CloseGroup(addr) {
		if id == self {
			out = append(out, target{peer: protocol.PeerInfo{ID: self}, local: e.local != nil})
			continue
		}
		if p, ok := remote[id]; ok {
			out = append(out, target{peer: protocol.PeerInfo{ID: p.ID, Addr: p.Addr}})
		}
	}
	return out
}

// alternates hands out next-closest stand-ins for unreachable members.
type alternates struct {
	e       *Engine
	addr    xor.Identifier
	used    map[xor.Identifier]bool
	granted int
}

func (e *Engine) newAlternates(addr xor.Identifier, group []target) *alternates {
	used := make(map[xor.Identifier]bool, len(group))
	for _, t := range group {
		used[t.peer.ID] = true
	}
	used[e.resolver.Self()] = true
	return &alternates{e: e, addr: addr, used: used}
}

func (a *alternates) next() (target, bool) {
	if a.granted >= a.e.opts.MaxAlternates {
		return target{}, false
	}
	alts := a.e.resolver.Alternates(a.addr, a.used, 1)
	if len(alts) == 0 {
		return target{}, false
	}
	a.used[alts[0].ID] = true
	a.granted++
	return target{peer: protocol.PeerInfo{ID: alts[0].ID, Addr: alts[0].Addr}}, true
}

func isUnreachable(err error) bool {
	return errors.Is(err, record.ErrPeerUnreachable)
}
