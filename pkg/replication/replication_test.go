package replication

import (
	"context"
	"sort"
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

type memStore struct {
	mu      sync.Mutex
	records map[xor.Identifier]*record.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[xor.Identifier]*record.Record)}
}

func (s *memStore) Versions(addr xor.Identifier) ([]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[addr]
	if !ok {
		return nil, record.ErrNotFound
	}
	return []*record.Record{r}, nil
}

func (s *memStore) Has(addr xor.Identifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[addr]
	return ok
}

func (s *memStore) ListAddressesInRange(bound xor.Distance, fn func(xor.Identifier) bool) error {
	s.mu.Lock()
	var addrs []xor.Identifier
	for addr := range s.records {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()
	for _, addr := range addrs {
		if !fn(addr) {
			break
		}
	}
	return nil
}

func (s *memStore) AdmitReplica(r *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Address] = r
	return nil
}

type call struct {
	op    string
	peer  xor.Identifier
	addrs []xor.Identifier
}

type recordingTransport struct {
	mu     sync.Mutex
	calls  []call
	remote map[xor.Identifier]*memStore
}

func (f *recordingTransport) log(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *recordingTransport) Replicate(ctx context.Context, peer protocol.PeerInfo, r *record.Record) error {
	f.log(call{op: "replicate", peer: peer.ID, addrs: []xor.Identifier{r.Address}})
	return nil
}

func (f *recordingTransport) GetRecord(ctx context.Context, peer protocol.PeerInfo, addr xor.Identifier) ([]*record.Record, error) {
	f.log(call{op: "get", peer: peer.ID, addrs: []xor.Identifier{addr}})
	if s, ok := f.remote[peer.ID]; ok {
		return s.Versions(addr)
	}
	return nil, record.ErrNotFound
}

func (f *recordingTransport) OfferAddresses(ctx context.Context, peer protocol.PeerInfo, addrs []xor.Identifier) error {
	f.log(call{op: "offer", peer: peer.ID, addrs: addrs})
	return nil
}

func (f *recordingTransport) peers(op string) []xor.Identifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []xor.Identifier
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c.peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func peerID(b byte) xor.Identifier {
	var id xor.Identifier
	id[0] = b
	return id
}

type fixture struct {
	table     *routing.Table
	manager   *Manager
	store     *memStore
	transport *recordingTransport
}

// newFixture places self at zero with peers 0x01.. so addresses near zero
// belong to self and the first four peers.
func newFixture(t *testing.T, peers int) *fixture {
	table := routing.NewTable(routing.Options{Self: xor.Identifier{}, K: 5, Logger: zaptest.NewLogger(t)})
	for i := 1; i <= peers; i++ {
		require.True(t, table.AddPeer(peerID(byte(i)), "peer"))
	}
	f := &fixture{
		table:     table,
		store:     newMemStore(),
		transport: &recordingTransport{remote: make(map[xor.Identifier]*memStore)},
	}
	f.manager = New(table, routing.NewResolver(table, 0), f.store, f.store, f.transport, Options{
		Workers:        2,
		RepairInterval: time.Hour,
		Timeout:        time.Second,
		Metrics:        metrics.New(),
		Logger:         zaptest.NewLogger(t),
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f.manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.manager.Wait()
	})
}

func near(b byte) xor.Identifier {
	var id xor.Identifier
	id[xor.Size-1] = b
	return id
}

func chunk(addr xor.Identifier) *record.Record {
	return &record.Record{Address: addr, Kind: record.KindChunk, Payload: []byte("data")}
}

func TestPushSkipsKnownHolders(t *testing.T) {
	f := newFixture(t, 6)
	r := chunk(near(1))
	f.manager.MarkHeld(r.Address, peerID(1))
	f.start(t)

	f.manager.Schedule(r)
	require.Eventually(t, func() bool {
		return len(f.transport.peers("replicate")) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []xor.Identifier{peerID(2), peerID(3), peerID(4)}, f.transport.peers("replicate"))
	assert.True(t, f.manager.Holds(r.Address, peerID(2)))
}

func TestAcceptRequiresConnectedResponsiblePeer(t *testing.T) {
	f := newFixture(t, 6)
	inGroup := chunk(near(1))

	err := f.manager.Accept(protocol.PeerInfo{ID: peerID(0x70)}, inGroup)
	assert.ErrorIs(t, err, protocol.ErrUnknownPeer)

	// The close group of 0x06.. is peers 6, 4, 5, 2 and 3.
	var far xor.Identifier
	far[0] = 0x06
	far[xor.Size-1] = 1
	err = f.manager.Accept(protocol.PeerInfo{ID: peerID(6)}, chunk(far))
	assert.ErrorIs(t, err, protocol.ErrNotResponsible)
	assert.False(t, f.store.Has(far))

	require.NoError(t, f.manager.Accept(protocol.PeerInfo{ID: peerID(1)}, inGroup))
	assert.True(t, f.store.Has(inGroup.Address))
	assert.True(t, f.manager.Holds(inGroup.Address, peerID(1)))

	f.table.RecordFailure(peerID(2))
	f.table.RecordFailure(peerID(2))
	f.table.RecordFailure(peerID(2))
	err = f.manager.Accept(protocol.PeerInfo{ID: peerID(2)}, chunk(near(2)))
	assert.ErrorIs(t, err, protocol.ErrUnknownPeer, "stale senders may not push")
}

func TestHandleOfferFetchesMissing(t *testing.T) {
	f := newFixture(t, 6)
	source := peerID(1)
	remote := newMemStore()
	f.transport.remote[source] = remote

	held := chunk(near(1))
	missing := chunk(near(2))
	var far xor.Identifier
	far[0] = 0x06
	require.NoError(t, f.store.AdmitReplica(held))
	require.NoError(t, remote.AdmitReplica(held))
	require.NoError(t, remote.AdmitReplica(missing))
	require.NoError(t, remote.AdmitReplica(chunk(far)))
	f.start(t)

	f.manager.HandleOffer(protocol.PeerInfo{ID: source}, []xor.Identifier{held.Address, missing.Address, far})
	require.Eventually(t, func() bool { return f.store.Has(missing.Address) }, time.Second, 5*time.Millisecond)
	assert.False(t, f.store.Has(far), "addresses outside this node's responsibility are not fetched")
	assert.Len(t, f.transport.peers("get"), 1)
}

func TestRepairOffersToGroup(t *testing.T) {
	f := newFixture(t, 6)
	r := chunk(near(3))
	require.NoError(t, f.store.AdmitReplica(r))
	f.manager.MarkHeld(r.Address, peerID(4))
	f.start(t)

	f.manager.Repair()
	require.Eventually(t, func() bool {
		return len(f.transport.peers("offer")) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []xor.Identifier{peerID(1), peerID(2), peerID(3)}, f.transport.peers("offer"))
}

func TestJoinedPeerOfferedItsAddresses(t *testing.T) {
	f := newFixture(t, 4)
	mine := chunk(near(1))
	require.NoError(t, f.store.AdmitReplica(mine))
	f.start(t)

	// Closer to the record than any existing peer.
	var newcomer xor.Identifier
	newcomer[1] = 0x80
	require.True(t, f.table.AddPeer(newcomer, "newcomer"))
	require.Eventually(t, func() bool {
		peers := f.transport.peers("offer")
		return len(peers) > 0 && peers[0] == newcomer
	}, time.Second, 5*time.Millisecond)
}
