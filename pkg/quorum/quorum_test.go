package quorum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swarmstore/pkg/metrics"
	"swarmstore/pkg/protocol"
	"swarmstore/pkg/record"
	"swarmstore/pkg/routing"
	"swarmstore/pkg/xor"
)

type mode int

const (
	healthy mode = iota
	silent
	unreachable
)

type fakePeer struct {
	mu      sync.Mutex
	mode    mode
	delay   time.Duration
	records map[xor.Identifier][]*record.Record
	putErrs []error
	puts    int
}

func newFakePeer() *fakePeer {
	return &fakePeer{records: make(map[xor.Identifier][]*record.Record)}
}

func (p *fakePeer) hold(versions ...*record.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[versions[0].Address] = versions
}

func (p *fakePeer) wait(ctx context.Context) error {
	p.mu.Lock()
	m, delay := p.mode, p.delay
	p.mu.Unlock()
	switch m {
	case silent:
		<-ctx.Done()
		return fmt.Errorf("%w: %v", record.ErrPeerUnreachable, ctx.Err())
	case unreachable:
		return record.ErrPeerUnreachable
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", record.ErrPeerUnreachable, ctx.Err())
		}
	}
	return nil
}

func (p *fakePeer) Versions(addr xor.Identifier) ([]*record.Record, error) {
	return p.get(context.Background(), addr)
}

func (p *fakePeer) get(ctx context.Context, addr xor.Identifier) ([]*record.Record, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	versions, ok := p.records[addr]
	if !ok {
		return nil, record.ErrNotFound
	}
	return versions, nil
}

func (p *fakePeer) Admit(r *record.Record) error {
	return p.put(context.Background(), r)
}

func (p *fakePeer) put(ctx context.Context, r *record.Record) error {
	p.mu.Lock()
	p.puts++
	var err error
	if len(p.putErrs) > 0 {
		err, p.putErrs = p.putErrs[0], p.putErrs[1:]
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.hold(r)
	return nil
}

func (p *fakePeer) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.puts
}

type fakeTransport struct {
	peers map[xor.Identifier]*fakePeer
}

func (f *fakeTransport) GetRecord(ctx context.Context, peer protocol.PeerInfo, addr xor.Identifier) ([]*record.Record, error) {
	return f.peers[peer.ID].get(ctx, addr)
}

func (f *fakeTransport) PutRecord(ctx context.Context, peer protocol.PeerInfo, r *record.Record) error {
	return f.peers[peer.ID].put(ctx, r)
}

type cluster struct {
	engine *Engine
	self   *fakePeer
	peers  []*fakePeer
	ids    []xor.Identifier
}

// newCluster builds an engine for a node at the zero identifier with remote
// peers at 0x01, 0x02, ... so that, for addresses near zero, the close group
// is self plus the first k-1 peers and the rest are alternates.
func newCluster(t *testing.T, remote int, opts Options) *cluster {
	table := routing.NewTable(routing.Options{Self: xor.Identifier{}, K: 5, Logger: zaptest.NewLogger(t)})
	c := &cluster{self: newFakePeer()}
	transport := &fakeTransport{peers: make(map[xor.Identifier]*fakePeer)}
	for i := 1; i <= remote; i++ {
		var id xor.Identifier
		id[0] = byte(i)
		require.True(t, table.AddPeer(id, fmt.Sprintf("peer-%d", i)))
		p := newFakePeer()
		transport.peers[id] = p
		c.peers = append(c.peers, p)
		c.ids = append(c.ids, id)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 300 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 5 * time.Millisecond
	}
	opts.Metrics = metrics.New()
	opts.Logger = zaptest.NewLogger(t)
	c.engine = New(routing.NewResolver(table, 0), transport, c.self, opts)
	return c
}

// address lands closest to the zero identifier.
func address(b byte) xor.Identifier {
	var id xor.Identifier
	id[xor.Size-1] = b
	return id
}

func chunkAt(addr xor.Identifier, payload string) *record.Record {
	return &record.Record{Address: addr, Kind: record.KindChunk, Payload: []byte(payload)}
}

func TestGetMajorityWithTwoSilentMembers(t *testing.T) {
	c := newCluster(t, 4, Options{})
	r := chunkAt(address(1), "hello")
	c.self.hold(r)
	for _, p := range c.peers {
		p.hold(r)
	}
	c.peers[2].mode = silent
	c.peers[3].mode = silent

	start := time.Now()
	got, err := c.engine.Get(context.Background(), r.Address)
	require.NoError(t, err)
	assert.True(t, got.Equal(r))
	assert.Less(t, time.Since(start), 300*time.Millisecond, "quorum reached before the timeout")
}

func TestGetInconclusiveWithThreeSilentMembers(t *testing.T) {
	c := newCluster(t, 4, Options{Timeout: 100 * time.Millisecond})
	r := chunkAt(address(1), "hello")
	c.self.hold(r)
	c.peers[0].hold(r)
	for _, p := range c.peers[1:] {
		p.mode = silent
	}

	_, err := c.engine.Get(context.Background(), r.Address)
	require.ErrorIs(t, err, record.ErrInconclusive)
	var inconclusive *record.InconclusiveError
	require.True(t, errors.As(err, &inconclusive))
	require.Len(t, inconclusive.Responses, 1)
	assert.Len(t, inconclusive.Responses[0].Peers, 2)
	assert.Len(t, inconclusive.Missing, 3)
}

func TestGetDivergentAnswers(t *testing.T) {
	c := newCluster(t, 4, Options{})
	addr := address(2)
	a := chunkAt(addr, "a")
	b := chunkAt(addr, "b")
	c.self.hold(a)
	c.peers[0].hold(a)
	c.peers[1].hold(b)
	c.peers[2].hold(b)

	_, err := c.engine.Get(context.Background(), addr)
	var inconclusive *record.InconclusiveError
	require.True(t, errors.As(err, &inconclusive))
	assert.Len(t, inconclusive.Responses, 2)
	assert.Empty(t, inconclusive.Missing)
}

func TestGetNotFound(t *testing.T) {
	c := newCluster(t, 4, Options{})
	_, err := c.engine.Get(context.Background(), address(3))
	assert.True(t, record.IsNotFound(err))
}

func TestGetNotFoundDespiteSilentMinority(t *testing.T) {
	c := newCluster(t, 4, Options{Timeout: 100 * time.Millisecond})
	c.peers[3].mode = silent
	_, err := c.engine.Get(context.Background(), address(3))
	assert.True(t, record.IsNotFound(err))
}

func TestGetSurfacesConflictSet(t *testing.T) {
	c := newCluster(t, 4, Options{})
	addr := address(4)
	first := &record.Record{Address: addr, Kind: record.KindSpend, Payload: []byte("one")}
	second := &record.Record{Address: addr, Kind: record.KindSpend, Payload: []byte("two")}
	c.self.hold(first, second)
	c.peers[0].hold(second, first)
	c.peers[1].hold(first, second)

	_, err := c.engine.Get(context.Background(), addr)
	require.ErrorIs(t, err, record.ErrDoubleSpendDetected)
	var conflict *record.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Len(t, conflict.Versions, 2)
}

func TestGetSubstitutesUnreachableMembers(t *testing.T) {
	c := newCluster(t, 6, Options{MaxAlternates: 2})
	r := chunkAt(address(5), "moved")
	c.peers[0].hold(r)
	c.peers[1].hold(r)
	c.peers[4].hold(r)
	c.peers[2].mode = unreachable
	c.peers[3].mode = unreachable

	got, err := c.engine.Get(context.Background(), r.Address)
	require.NoError(t, err)
	assert.True(t, got.Equal(r))
}

func TestPutAllAcknowledge(t *testing.T) {
	c := newCluster(t, 4, Options{})
	r := chunkAt(address(6), "payload")
	require.NoError(t, c.engine.Put(context.Background(), r))

	_, err := c.self.Versions(r.Address)
	require.NoError(t, err)
	for _, p := range c.peers {
		p := p
		require.Eventually(t, func() bool { return p.attempts() == 1 }, time.Second, 5*time.Millisecond)
	}
}

func TestPutQuorumWithSilentMembers(t *testing.T) {
	c := newCluster(t, 4, Options{})
	c.peers[2].mode = silent
	c.peers[3].mode = silent

	start := time.Now()
	require.NoError(t, c.engine.Put(context.Background(), chunkAt(address(7), "payload")))
	assert.Less(t, time.Since(start), 300*time.Millisecond, "slow members are abandoned once quorum is reached")
}

func TestPutPartialWithUnreachableMembers(t *testing.T) {
	c := newCluster(t, 4, Options{RetryRounds: 2})
	c.peers[0].delay = 30 * time.Millisecond
	c.peers[1].delay = 30 * time.Millisecond
	c.peers[2].mode = unreachable
	c.peers[3].mode = unreachable

	err := c.engine.Put(context.Background(), chunkAt(address(8), "payload"))
	var partial *record.PartialReplicationError
	require.True(t, errors.As(err, &partial), "got %v", err)
	assert.True(t, partial.Quorum)
	assert.Len(t, partial.Acked, 3)
	assert.Contains(t, partial.Failed, c.ids[2])
	assert.Contains(t, partial.Failed, c.ids[3])
	assert.Equal(t, 3, c.peers[2].attempts(), "one attempt plus two retry rounds")
}

func TestPutWithoutQuorum(t *testing.T) {
	c := newCluster(t, 4, Options{RetryRounds: 1})
	for _, p := range c.peers[1:] {
		p.mode = unreachable
	}

	err := c.engine.Put(context.Background(), chunkAt(address(9), "payload"))
	var partial *record.PartialReplicationError
	require.True(t, errors.As(err, &partial), "got %v", err)
	assert.False(t, partial.Quorum)
	assert.Len(t, partial.Acked, 2)
	assert.Error(t, partial.Cause())
}

func TestPutRetryRecovers(t *testing.T) {
	c := newCluster(t, 4, Options{RetryRounds: 2})
	for _, p := range c.peers[:3] {
		p.delay = 30 * time.Millisecond
	}
	c.peers[3].putErrs = []error{record.ErrPeerUnreachable}

	require.NoError(t, c.engine.Put(context.Background(), chunkAt(address(10), "payload")))
	assert.Equal(t, 2, c.peers[3].attempts())
}

func TestPutSubstitutesUnreachableMember(t *testing.T) {
	c := newCluster(t, 5, Options{RetryRounds: 1, MaxAlternates: 1})
	for _, p := range c.peers[:3] {
		p.delay = 30 * time.Millisecond
	}
	c.peers[3].mode = unreachable

	err := c.engine.Put(context.Background(), chunkAt(address(11), "payload"))
	var partial *record.PartialReplicationError
	require.True(t, errors.As(err, &partial), "got %v", err)
	assert.True(t, partial.Quorum)
	assert.Contains(t, partial.Acked, c.ids[4], "the next-closest peer stood in")
	assert.Equal(t, 1, c.peers[3].attempts())
}

func TestPutSurfacesConflict(t *testing.T) {
	c := newCluster(t, 4, Options{})
	addr := address(12)
	existing := &record.Record{Address: addr, Kind: record.KindSpend, Payload: []byte("old")}
	incoming := &record.Record{Address: addr, Kind: record.KindSpend, Payload: []byte("new")}
	for _, p := range c.peers[1:] {
		p.delay = 30 * time.Millisecond
	}
	c.peers[0].putErrs = []error{&record.ConflictError{Address: addr, Versions: []*record.Record{existing, incoming}}}

	err := c.engine.Put(context.Background(), incoming)
	var conflict *record.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Len(t, conflict.Versions, 2)
}

func TestPutRejectedRecord(t *testing.T) {
	c := newCluster(t, 4, Options{RetryRounds: 2})
	c.self.putErrs = []error{record.ErrPaymentInvalid}
	for _, p := range c.peers {
		p.putErrs = []error{record.ErrPaymentInvalid}
	}

	err := c.engine.Put(context.Background(), chunkAt(address(13), "payload"))
	assert.ErrorIs(t, err, record.ErrPaymentInvalid)
	for _, p := range c.peers {
		assert.Equal(t, 1, p.attempts(), "rejections are not retried")
	}
}
