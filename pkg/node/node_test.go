package node_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swarmstore/pkg/protocol"
	"swarmstore/pkg/record"
	"swarmstore/pkg/testkit"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/xor"
)

const k = 5

func cluster(t *testing.T, size int) *testkit.Network {
	t.Helper()
	net := testkit.New(zaptest.NewLogger(t))
	t.Cleanup(net.Close)
	require.NoError(t, net.Grow(size))
	require.Eventually(t, func() bool { return net.Converged(size - 1) }, 10*time.Second, 20*time.Millisecond)
	return net
}

func wallet(t *testing.T) transfer.Signer {
	t.Helper()
	w, err := transfer.NewEd25519Signer(nil)
	require.NoError(t, err)
	return w
}

func TestHelloWorldAcrossCloseGroup(t *testing.T) {
	net := cluster(t, k)
	nodes := net.Nodes()
	ctx := context.Background()

	hello, err := testkit.Pay(ctx, nodes[0], wallet(t), record.NewChunk([]byte("hello")))
	require.NoError(t, err)
	require.NoError(t, nodes[0].Put(ctx, hello))

	require.Eventually(t, func() bool { return len(net.Holders(hello.Address)) == k }, 5*time.Second, 20*time.Millisecond)
	for _, n := range nodes {
		got, err := n.Get(ctx, hello.Address)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got.Payload)
	}

	// same write again is a no-op
	require.NoError(t, nodes[1].Put(ctx, hello))

	world := hello.Clone()
	world.Payload = []byte("world")
	err = nodes[2].Put(ctx, world)
	assert.True(t, errors.Is(err, record.ErrInvalidRecord), "got %v", err)

	got, err := nodes[3].Get(ctx, hello.Address)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestUnpaidWriteRejected(t *testing.T) {
	net := cluster(t, k)
	n := net.Nodes()[0]
	r := record.NewChunk([]byte("free ride"))

	err := n.Put(context.Background(), r)
	assert.True(t, errors.Is(err, record.ErrPaymentInvalid), "got %v", err)
	assert.Empty(t, net.Holders(r.Address))
}

func TestGetMissingAddress(t *testing.T) {
	net := cluster(t, k)
	_, err := net.Nodes()[0].Get(context.Background(), xor.Random())
	assert.True(t, record.IsNotFound(err), "got %v", err)
}

func TestReadSurvivesSilentMinority(t *testing.T) {
	net := cluster(t, k)
	nodes := net.Nodes()
	ctx := context.Background()

	r, err := testkit.Pay(ctx, nodes[0], wallet(t), record.NewChunk([]byte("durable")))
	require.NoError(t, err)
	require.NoError(t, nodes[0].Put(ctx, r))
	require.Eventually(t, func() bool { return len(net.Holders(r.Address)) == k }, 5*time.Second, 20*time.Millisecond)

	net.SetSilent(nodes[3].Info().Addr, true)
	net.SetSilent(nodes[4].Info().Addr, true)

	got, err := nodes[0].Get(ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got.Payload)

	net.SetSilent(nodes[2].Info().Addr, true)
	_, err = nodes[0].Get(ctx, r.Address)
	require.Error(t, err)
	assert.False(t, record.IsNotFound(err), "silence is not absence: %v", err)
}

func TestClientSeesDurablePartialWrite(t *testing.T) {
	net := cluster(t, k)
	nodes := net.Nodes()
	ctx := context.Background()

	r, err := testkit.Pay(ctx, nodes[0], wallet(t), record.NewChunk([]byte("mostly there")))
	require.NoError(t, err)
	net.SetSilent(nodes[3].Info().Addr, true)
	net.SetSilent(nodes[4].Info().Addr, true)

	err = nodes[0].PutRecord(ctx, protocol.PeerInfo{}, r)
	require.Error(t, err)
	var partial *record.PartialReplicationError
	require.True(t, errors.As(err, &partial), "got %v", err)
	assert.True(t, partial.Quorum)
	assert.Len(t, partial.Failed, 2)

	got, err := nodes[1].Get(ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, []byte("mostly there"), got.Payload)
}

func TestDoubleSpendVisibleToReaders(t *testing.T) {
	net := cluster(t, k)
	nodes := net.Nodes()
	ctx := context.Background()
	key := wallet(t)

	spend := func(tx byte) *record.Record {
		s := &transfer.Spend{SpentTx: xor.Identifier{tx}, Amount: 1}
		transfer.SignSpend(key, s)
		return transfer.NewSpendRecord(s)
	}

	addr := spend(1).Address
	require.NoError(t, nodes[0].Put(ctx, spend(1)))
	require.Eventually(t, func() bool { return len(net.Holders(addr)) == k }, 5*time.Second, 20*time.Millisecond)

	err := nodes[1].Put(ctx, spend(2))
	require.True(t, errors.Is(err, record.ErrDoubleSpendDetected), "got %v", err)

	require.Eventually(t, func() bool {
		_, err := nodes[2].Get(ctx, addr)
		var conflict *record.ConflictError
		return errors.As(err, &conflict) && len(conflict.Versions) == 2
	}, 5*time.Second, 50*time.Millisecond)

	for _, n := range nodes {
		require.Eventually(t, func() bool {
			versions, err := n.Local(addr)
			return err == nil && len(versions) == 2
		}, 5*time.Second, 20*time.Millisecond, "every member keeps both spends")
	}
}

func TestChurnRestoresReplicaCount(t *testing.T) {
	net := cluster(t, k)
	nodes := net.Nodes()
	ctx := context.Background()

	r, err := testkit.Pay(ctx, nodes[0], wallet(t), record.NewChunk([]byte("survivor")))
	require.NoError(t, err)
	require.NoError(t, nodes[0].Put(ctx, r))
	require.Eventually(t, func() bool { return len(net.Holders(r.Address)) == k }, 5*time.Second, 20*time.Millisecond)

	net.Remove(nodes[2].Info().Addr)
	newcomer, err := net.Add(nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return newcomer.Holds(r.Address) && len(net.Holders(r.Address)) == k &&
			newcomer.Status().Connected == k-1
	}, 15*time.Second, 50*time.Millisecond)

	got, err := newcomer.Get(ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, []byte("survivor"), got.Payload)
}

func TestStatus(t *testing.T) {
	net := cluster(t, 3)
	n := net.Nodes()[0]

	st := n.Status()
	assert.Equal(t, n.ID(), st.ID)
	assert.Equal(t, 2, st.Connected)
	assert.Zero(t, st.Records)
	assert.NotZero(t, st.Price)
	assert.Len(t, n.Peers(), 2)
}
