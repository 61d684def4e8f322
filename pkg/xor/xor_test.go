package xor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idWithPrefix(b ...byte) Identifier {
	var id Identifier
	copy(id[:], b)
	return id
}

func TestDistanceProperties(t *testing.T) {
	a, b := Random(), Random()

	assert.Equal(t, Between(a, b), Between(b, a), "distance must be symmetric")
	assert.Equal(t, Distance{}, Between(a, a), "distance to self must be zero")
	if a != b {
		assert.NotEqual(t, Distance{}, Between(a, b))
	}
}

func TestClosestOrdersByDistance(t *testing.T) {
	target := idWithPrefix(0x00)
	candidates := []Identifier{
		idWithPrefix(0xf0),
		idWithPrefix(0x01),
		idWithPrefix(0x80),
		idWithPrefix(0x10),
	}

	got := Closest(target, candidates, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []Identifier{idWithPrefix(0x01), idWithPrefix(0x10), idWithPrefix(0x80)}, got)

	// input untouched
	assert.Equal(t, idWithPrefix(0xf0), candidates[0])
}

func TestClosestDeterministicTies(t *testing.T) {
	target := idWithPrefix(0x00)
	dup := idWithPrefix(0x42)
	got := Closest(target, []Identifier{dup, idWithPrefix(0x41), dup}, 3)
	assert.Equal(t, []Identifier{idWithPrefix(0x41), dup, dup}, got)
}

func TestClosestEdgeCases(t *testing.T) {
	assert.Nil(t, Closest(Random(), nil, 5))
	assert.Nil(t, Closest(Random(), []Identifier{Random()}, 0))
	assert.Len(t, Closest(Random(), []Identifier{Random(), Random()}, 5), 2)
}

func TestCommonPrefixLen(t *testing.T) {
	assert.Equal(t, Bits, CommonPrefixLen(Zero, Zero))
	assert.Equal(t, 0, CommonPrefixLen(idWithPrefix(0x80), Zero))
	assert.Equal(t, 7, CommonPrefixLen(idWithPrefix(0x01), Zero))
	assert.Equal(t, 15, CommonPrefixLen(idWithPrefix(0x00, 0x01), Zero))
}

func TestFromContentAndParse(t *testing.T) {
	id := FromContent([]byte("hello"))
	assert.Equal(t, id, FromContent([]byte("hello")))
	assert.NotEqual(t, id, FromContent([]byte("world")))

	fromHex, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, fromHex)

	fromCID, err := Parse(id.CID().String())
	require.NoError(t, err)
	assert.Equal(t, id, fromCID)

	_, err = Parse("not-an-id")
	assert.Error(t, err)
}

func TestFromBytesLength(t *testing.T) {
	_, err := FromBytes(make([]byte, 31))
	assert.Error(t, err)
	id, err := FromBytes(make([]byte, Size))
	require.NoError(t, err)
	assert.True(t, id.IsZero())
}
