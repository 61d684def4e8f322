package routing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swarmstore/pkg/xor"
)

func testTable(t *testing.T, k int) *Table {
	return NewTable(Options{Self: xor.Identifier{}, K: k, BucketSize: 4, StaleAfter: 2, EvictAfter: 2, Logger: zaptest.NewLogger(t)})
}

func peerID(b ...byte) xor.Identifier {
	var id xor.Identifier
	copy(id[:], b)
	return id
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPeerLifecycle(t *testing.T) {
	table := testTable(t, 3)
	events, cancel := table.Subscribe()
	defer cancel()

	id := peerID(0x80)
	require.True(t, table.AddPeer(id, "127.0.0.1:1"))
	assert.Equal(t, StateConnected, table.Snapshot().Get(id).State)

	table.RecordFailure(id)
	assert.Equal(t, StateConnected, table.Snapshot().Get(id).State)
	table.RecordFailure(id)
	assert.Equal(t, StateStale, table.Snapshot().Get(id).State)
	assert.Empty(t, table.Snapshot().ClosestPeers(id, 3), "stale peers are not close group members")

	table.RecordSuccess(id)
	assert.Equal(t, StateConnected, table.Snapshot().Get(id).State)

	for i := 0; i < 4; i++ {
		table.RecordFailure(id)
	}
	assert.Nil(t, table.Snapshot().Get(id))

	var kinds []EventKind
	for _, ev := range drain(events) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{PeerJoined, PeerStale, PeerJoined, PeerStale, PeerLeft}, kinds)
}

func TestAddSelfIgnored(t *testing.T) {
	table := testTable(t, 3)
	assert.False(t, table.AddPeer(table.Self(), "x"))
	assert.Empty(t, table.Snapshot().Peers())
}

func TestBucketFull(t *testing.T) {
	table := testTable(t, 3)
	// all share bucket 0 with self (leading bit set)
	for i := 0; i < 4; i++ {
		require.True(t, table.AddPeer(peerID(0x80, byte(i)), ""))
	}
	assert.False(t, table.AddPeer(peerID(0x80, 0x10), ""))

	// a stale entry makes room
	table.RecordFailure(peerID(0x80, 0))
	table.RecordFailure(peerID(0x80, 0))
	assert.True(t, table.AddPeer(peerID(0x80, 0x10), ""))
	assert.Nil(t, table.Snapshot().Get(peerID(0x80, 0)))
}

func TestSnapshotIsImmutable(t *testing.T) {
	table := testTable(t, 3)
	table.AddPeer(peerID(0x01), "")
	snap := table.Snapshot()

	table.RemovePeer(peerID(0x01))
	assert.NotNil(t, snap.Get(peerID(0x01)))
	assert.Nil(t, table.Snapshot().Get(peerID(0x01)))
	assert.Greater(t, table.Snapshot().Version(), snap.Version())
}

func TestCloseGroupIncludesSelf(t *testing.T) {
	table := testTable(t, 3)
	for _, b := range []byte{0x01, 0x02, 0x40, 0x80, 0x81, 0x82} {
		table.AddPeer(peerID(b), "")
	}
	snap := table.Snapshot()

	group := snap.CloseGroup(peerID(0x00, 0x01))
	assert.Equal(t, []xor.Identifier{table.Self(), peerID(0x01), peerID(0x02)}, group)
	assert.True(t, snap.Responsible(peerID(0x00, 0x01)))
	assert.False(t, snap.Responsible(peerID(0x80, 0x01)))

	assert.Equal(t, xor.Between(table.Self(), peerID(0x40)), snap.ResponsibilityBound())
}

func TestResponsibilityBoundWithFewPeers(t *testing.T) {
	table := testTable(t, 5)
	table.AddPeer(peerID(0x01), "")
	assert.Equal(t, xor.MaxDistance(), table.Snapshot().ResponsibilityBound())
}

func TestConcurrentMutation(t *testing.T) {
	table := testTable(t, 5)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := xor.FromContent([]byte(fmt.Sprintf("%d-%d", w, i)))
				table.AddPeer(id, "")
				_ = table.Snapshot().ClosestPeers(id, 5)
				if i%3 == 0 {
					table.RemovePeer(id)
				}
			}
		}(w)
	}
	wg.Wait()
	for _, p := range table.Snapshot().Peers() {
		assert.Equal(t, StateConnected, p.State)
	}
}

func TestResolver(t *testing.T) {
	table := testTable(t, 5)
	r := NewResolver(table, 0)
	assert.Equal(t, 3, r.Quorum())

	for _, b := range []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06} {
		table.AddPeer(peerID(b), fmt.Sprintf("peer-%d", b))
	}
	target := peerID(0x00)
	remote := r.Remote(target)
	require.Len(t, remote, 4)
	assert.Equal(t, peerID(0x01), remote[0].ID)

	exclude := map[xor.Identifier]bool{}
	for _, p := range remote {
		exclude[p.ID] = true
	}
	alt := r.Alternates(target, exclude, 2)
	require.Len(t, alt, 2)
	assert.Equal(t, peerID(0x05), alt[0].ID)

	addr, ok := r.Lookup(peerID(0x02))
	assert.True(t, ok)
	assert.Equal(t, "peer-2", addr)
}
