package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"swarmstore/pkg/record"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/xor"
)

type memHandler struct {
	mu      sync.Mutex
	self    PeerInfo
	records map[xor.Identifier][]*record.Record
	pinged  []PeerInfo
	offered []xor.Identifier
	from    []PeerInfo
}

func newMemHandler() *memHandler {
	return &memHandler{
		self:    PeerInfo{ID: xor.Random(), Addr: "bufnet"},
		records: make(map[xor.Identifier][]*record.Record),
	}
}

func (h *memHandler) Info() PeerInfo { return h.self }

func (h *memHandler) GetRecord(ctx context.Context, from PeerInfo, addr xor.Identifier) ([]*record.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.records[addr]
	if !ok {
		return nil, record.ErrNotFound
	}
	return v, nil
}

func (h *memHandler) PutRecord(ctx context.Context, from PeerInfo, r *record.Record) error {
	if err := r.VerifyAddress(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.from = append(h.from, from)
	if existing, ok := h.records[r.Address]; ok && r.Kind == record.KindSpend && !existing[0].SameContent(r) {
		h.records[r.Address] = append(existing, r)
		return &record.ConflictError{Address: r.Address, Versions: h.records[r.Address]}
	}
	h.records[r.Address] = []*record.Record{r}
	return nil
}

func (h *memHandler) Replicate(ctx context.Context, from PeerInfo, r *record.Record) error {
	if from.ID.IsZero() {
		return ErrUnknownPeer
	}
	return h.PutRecord(ctx, from, r)
}

func (h *memHandler) Ping(ctx context.Context, from PeerInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinged = append(h.pinged, from)
}

func (h *memHandler) FindNode(ctx context.Context, from PeerInfo, target xor.Identifier) []PeerInfo {
	return []PeerInfo{{ID: target, Addr: "found"}}
}

func (h *memHandler) OfferAddresses(ctx context.Context, from PeerInfo, addrs []xor.Identifier) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offered = append(h.offered, addrs...)
	return nil
}

func (h *memHandler) Quote(ctx context.Context, addr xor.Identifier, kind record.Kind) (transfer.Quote, error) {
	return transfer.Quote{Address: addr, Kind: kind, Price: 42, QuotedAt: time.Now(), RewardIDs: []xor.Identifier{h.self.ID}}, nil
}

func startServer(t *testing.T, h Handler) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterPeerServer(srv, NewServer(h, zaptest.NewLogger(t)))
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return cc
}

func TestPeerProtocolRoundTrip(t *testing.T) {
	h := newMemHandler()
	cc := startServer(t, h)
	self := PeerInfo{ID: xor.Random(), Addr: "127.0.0.1:9"}
	client := NewClient(cc, self)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chunk := record.NewChunk([]byte("hello"))
	require.NoError(t, client.PutRecord(ctx, chunk))

	versions, err := client.GetRecord(ctx, chunk.Address)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, []byte("hello"), versions[0].Payload)

	_, err = client.GetRecord(ctx, xor.Random())
	assert.True(t, errors.Is(err, record.ErrNotFound))

	bad := chunk.Clone()
	bad.Payload = []byte("world")
	assert.True(t, errors.Is(client.PutRecord(ctx, bad), record.ErrInvalidRecord))

	info, err := client.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.self, info)
	require.Len(t, h.pinged, 1)
	assert.Equal(t, self, h.pinged[0])
	assert.Equal(t, self.ID, h.from[0].ID, "sender travels in metadata")

	target := xor.Random()
	found, err := client.FindNode(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, []PeerInfo{{ID: target, Addr: "found"}}, found)

	offered := []xor.Identifier{xor.Random(), xor.Random()}
	require.NoError(t, client.OfferAddresses(ctx, offered))
	assert.Equal(t, offered, h.offered)
}

func TestConflictTravelsWithVersions(t *testing.T) {
	h := newMemHandler()
	client := NewClient(startServer(t, h), PeerInfo{ID: xor.Random()})
	ctx := context.Background()

	addr := xor.Random()
	first := &record.Record{Address: addr, Kind: record.KindSpend, Payload: []byte("one")}
	second := &record.Record{Address: addr, Kind: record.KindSpend, Payload: []byte("two")}
	require.NoError(t, client.Replicate(ctx, first))

	err := client.Replicate(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, record.ErrDoubleSpendDetected))
	var ce *record.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, addr, ce.Address)
	assert.Len(t, ce.Versions, 2)
}

func TestAnonymousReplicaRefused(t *testing.T) {
	h := newMemHandler()
	client := NewClient(startServer(t, h), PeerInfo{})
	err := client.Replicate(context.Background(), record.NewChunk([]byte("x")))
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestUnreachableIsRetryable(t *testing.T) {
	lis := bufconn.Listen(1024)
	lis.Close()
	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewClient(cc, PeerInfo{}).Ping(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, record.ErrPeerUnreachable))
	assert.True(t, IsRetryable(err))
}

func TestPeerCodec(t *testing.T) {
	peers := []PeerInfo{{ID: xor.Random(), Addr: "a:1"}, {ID: xor.Random(), Addr: "b:2"}}
	got, err := UnmarshalPeers(MarshalPeers(peers))
	require.NoError(t, err)
	assert.Equal(t, peers, got)
}

func TestGetQuote(t *testing.T) {
	h := newMemHandler()
	client := NewClient(startServer(t, h), PeerInfo{})
	addr := xor.Random()

	q, err := client.GetQuote(context.Background(), addr, record.KindChunk)
	require.NoError(t, err)
	assert.Equal(t, addr, q.Address)
	assert.Equal(t, record.KindChunk, q.Kind)
	assert.Equal(t, uint64(42), q.Price)
	assert.Equal(t, []xor.Identifier{h.self.ID}, q.RewardIDs)

	_, _, err = unmarshalQuoteRequest(marshalQuoteRequest(addr, record.Kind(99)))
	assert.Error(t, err)
}

func TestClientFacingErrors(t *testing.T) {
	inconclusive := mapRPC(mapErr(&record.InconclusiveError{Address: xor.Random()}))
	assert.ErrorIs(t, inconclusive, record.ErrInconclusive)

	partial := mapRPC(mapErr(&record.PartialReplicationError{Address: xor.Random()}))
	assert.ErrorIs(t, partial, record.ErrPartialReplication)
	assert.True(t, IsRetryable(partial))

	bare := mapRPC(mapErr(fmt.Errorf("%w: two of five", record.ErrInconclusive)))
	assert.ErrorIs(t, bare, record.ErrInconclusive)
}

// failingHandler answers client reads and writes with fixed errors.
type failingHandler struct {
	*memHandler
	getErr error
	putErr error
}

func (h *failingHandler) GetRecord(ctx context.Context, from PeerInfo, addr xor.Identifier) ([]*record.Record, error) {
	return nil, h.getErr
}

func (h *failingHandler) PutRecord(ctx context.Context, from PeerInfo, r *record.Record) error {
	return h.putErr
}

func TestInconclusiveTravelsWithResponses(t *testing.T) {
	addr := xor.Random()
	one := &record.Record{Address: addr, Kind: record.KindSpend, Payload: []byte("one")}
	two := &record.Record{Address: addr, Kind: record.KindSpend, Payload: []byte("two")}
	a, b, c, silent := xor.Random(), xor.Random(), xor.Random(), xor.Random()
	h := &failingHandler{memHandler: newMemHandler(), getErr: &record.InconclusiveError{
		Address: addr,
		Responses: []record.Response{
			{Versions: []*record.Record{one}, Peers: []xor.Identifier{a, b}},
			{Versions: []*record.Record{two}, Peers: []xor.Identifier{c}},
		},
		Missing: map[xor.Identifier]error{silent: context.DeadlineExceeded},
	}}
	client := NewClient(startServer(t, h), PeerInfo{})

	_, err := client.GetRecord(context.Background(), addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrInconclusive)
	var inconclusive *record.InconclusiveError
	require.True(t, errors.As(err, &inconclusive))
	assert.Equal(t, addr, inconclusive.Address)
	require.Len(t, inconclusive.Responses, 2)
	assert.Equal(t, []xor.Identifier{a, b}, inconclusive.Responses[0].Peers)
	assert.Equal(t, []xor.Identifier{c}, inconclusive.Responses[1].Peers)
	require.Len(t, inconclusive.Responses[0].Versions, 1)
	assert.Equal(t, []byte("one"), inconclusive.Responses[0].Versions[0].Payload)
	assert.Equal(t, []byte("two"), inconclusive.Responses[1].Versions[0].Payload)
	assert.Contains(t, inconclusive.Missing, silent)
	assert.False(t, IsRetryable(err))
}

func TestDurablePartialWriteReachesClient(t *testing.T) {
	addr := xor.Random()
	acked, failed := xor.Random(), xor.Random()
	h := &failingHandler{memHandler: newMemHandler(), putErr: &record.PartialReplicationError{
		Address: addr,
		Acked:   []xor.Identifier{acked},
		Failed:  map[xor.Identifier]error{failed: record.ErrPeerUnreachable},
		Quorum:  true,
	}}
	client := NewClient(startServer(t, h), PeerInfo{})

	err := client.PutRecord(context.Background(), record.NewChunk([]byte("durable")))
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrPartialReplication)
	var partial *record.PartialReplicationError
	require.True(t, errors.As(err, &partial))
	assert.True(t, partial.Quorum)
	assert.Equal(t, addr, partial.Address)
	assert.Equal(t, []xor.Identifier{acked}, partial.Acked)
	assert.Contains(t, partial.Failed, failed)
	assert.False(t, IsRetryable(err))

	h.putErr = &record.PartialReplicationError{Address: addr, Failed: map[xor.Identifier]error{failed: record.ErrPeerUnreachable}}
	err = client.PutRecord(context.Background(), record.NewChunk([]byte("lost")))
	require.True(t, errors.As(err, &partial))
	assert.False(t, partial.Quorum)
	assert.True(t, IsRetryable(err))
}
