package record

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmstore/pkg/xor"
)

func testProof(addr xor.Identifier) *PaymentProof {
	return &PaymentProof{
		ID:          uuid.New(),
		Address:     addr,
		Kind:        KindChunk,
		Amount:      120,
		QuotedPrice: 100,
		QuotedAt:    time.Unix(1700000000, 42),
		RewardIDs:   []xor.Identifier{xor.Random(), xor.Random()},
		SpendRef:    xor.Random(),
		PayerKey:    []byte("payer"),
		Scheme:      SchemeEd25519,
		Signature:   []byte("sig"),
	}
}

func TestChunkAddressing(t *testing.T) {
	r := NewChunk([]byte("hello"))
	require.NoError(t, r.VerifyAddress())

	r.Payload = []byte("world")
	err := r.VerifyAddress()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAddressMismatch))
	assert.True(t, errors.Is(err, ErrInvalidRecord))
}

func TestRecordCodec(t *testing.T) {
	r := NewChunk([]byte("payload")).WithProof(testProof(xor.FromContent([]byte("payload"))))
	r.Signature = []byte{1, 2, 3}

	decoded, err := Unmarshal(r.Marshal())
	require.NoError(t, err)
	assert.True(t, r.Equal(decoded))
	assert.Equal(t, r.Proof.ID, decoded.Proof.ID)
	assert.True(t, r.Proof.QuotedAt.Equal(decoded.Proof.QuotedAt))
	assert.Equal(t, r.Proof.RewardIDs, decoded.Proof.RewardIDs)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = Unmarshal(nil)
	assert.True(t, errors.Is(err, ErrInvalidRecord))
}

func TestSameContentIgnoresProof(t *testing.T) {
	a := NewChunk([]byte("x"))
	b := a.WithProof(testProof(a.Address))
	assert.True(t, a.SameContent(b))
	assert.False(t, a.Equal(b))
	assert.Equal(t, a.Digest(), b.Digest())
}

func TestSetCodec(t *testing.T) {
	versions := []*Record{NewChunk([]byte("a")), NewChunk([]byte("b"))}
	decoded, err := UnmarshalSet(MarshalSet(versions))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.True(t, versions[1].Equal(decoded[1]))

	ids := []xor.Identifier{xor.Random(), xor.Random()}
	gotIDs, err := UnmarshalIdentifiers(MarshalIdentifiers(ids))
	require.NoError(t, err)
	assert.Equal(t, ids, gotIDs)
}

func TestErrorTaxonomy(t *testing.T) {
	spend := &Record{Address: xor.Random(), Kind: KindSpend, Payload: []byte("a")}
	conflict := &ConflictError{Address: spend.Address, Versions: []*Record{spend, spend}}
	assert.True(t, errors.Is(conflict, ErrDoubleSpendDetected))
	assert.True(t, errors.Is(conflict, ErrConflictingWrite))
	assert.True(t, IsFatal(conflict))

	var ce *ConflictError
	require.True(t, errors.As(error(conflict), &ce))
	assert.Len(t, ce.Versions, 2)

	partial := &PartialReplicationError{
		Address: spend.Address,
		Failed:  map[xor.Identifier]error{xor.Random(): ErrPeerUnreachable},
		Quorum:  true,
	}
	assert.True(t, errors.Is(partial, ErrPartialReplication))
	assert.False(t, IsFatal(partial))
	assert.True(t, errors.Is(partial.Cause(), ErrPeerUnreachable))

	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, errors.Is(&InconclusiveError{}, ErrInconclusive))
}

func TestProofAuthorizes(t *testing.T) {
	addr := xor.Random()
	p := testProof(addr)
	assert.True(t, p.Authorizes(addr, KindChunk))
	assert.False(t, p.Authorizes(xor.Random(), KindChunk))
	assert.False(t, p.Authorizes(addr, KindRegister))
}
