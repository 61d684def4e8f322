package network

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"swarmstore/pkg/xor"
)

const limiterShards = 16

// Limiter bounds concurrent in-flight requests per peer. Peers are spread
// over shards by hash so unrelated peers do not contend on one lock.
type Limiter struct {
	perPeer int
	shards  [limiterShards]limiterShard
}

type limiterShard struct {
	mu   sync.Mutex
	sems map[xor.Identifier]chan struct{}
}

func NewLimiter(perPeer int) *Limiter {
	if perPeer <= 0 {
		perPeer = 8
	}
	l := &Limiter{perPeer: perPeer}
	for i := range l.shards {
		l.shards[i].sems = make(map[xor.Identifier]chan struct{})
	}
	return l
}

func (l *Limiter) sem(peer xor.Identifier) chan struct{} {
	shard := &l.shards[xxhash.Sum64(peer[:])%limiterShards]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	sem, ok := shard.sems[peer]
	if !ok {
		sem = make(chan struct{}, l.perPeer)
		shard.sems[peer] = sem
	}
	return sem
}

// Acquire blocks until a slot for peer is free or ctx ends.
func (l *Limiter) Acquire(ctx context.Context, peer xor.Identifier) (func(), error) {
	sem := l.sem(peer)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight reports the requests currently outstanding to peer.
func (l *Limiter) InFlight(peer xor.Identifier) int {
	return len(l.sem(peer))
}

// Forget drops the slot bookkeeping for a departed peer.
func (l *Limiter) Forget(peer xor.Identifier) {
	shard := &l.shards[xxhash.Sum64(peer[:])%limiterShards]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if sem, ok := shard.sems[peer]; ok && len(sem) == 0 {
		delete(shard.sems, peer)
	}
}
