// Package xor implements the identifier space shared by peers and records:
// fixed-width identifiers, the XOR distance metric and nearest-neighbour
// ranking.
package xor

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Size is the number of bytes in an Identifier (256 bits).
const Size = 32

// Bits is the bit width of the identifier space.
const Bits = Size * 8

// Identifier names a peer or a record address.
type Identifier [Size]byte

// Distance is the XOR of two identifiers read as a big-endian unsigned integer.
type Distance [Size]byte

// Zero is the all-zero identifier.
var Zero Identifier

// FromContent derives the content address of data: the sha3-256 digest
// carried in a multihash.
func FromContent(data []byte) Identifier {
	mh, err := multihash.Sum(data, multihash.SHA3_256, -1)
	if err != nil {
		// Sum only fails for unknown codes or bad lengths.
		panic(fmt.Sprintf("xor: multihash sum: %v", err))
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		panic(fmt.Sprintf("xor: multihash decode: %v", err))
	}
	var id Identifier
	copy(id[:], decoded.Digest)
	return id
}

// FromBytes copies b into an Identifier. b must be exactly Size bytes.
func FromBytes(b []byte) (Identifier, error) {
	var id Identifier
	if len(b) != Size {
		return id, fmt.Errorf("xor: invalid identifier length: got %d want %d", len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// Parse accepts either a hex-encoded identifier or a CIDv1 produced by CID.
func Parse(s string) (Identifier, error) {
	if len(s) == Size*2 {
		b, err := hex.DecodeString(s)
		if err == nil {
			return FromBytes(b)
		}
	}
	c, err := cid.Decode(s)
	if err != nil {
		return Zero, fmt.Errorf("xor: %q is neither hex nor a cid: %w", s, err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return Zero, fmt.Errorf("xor: cid multihash: %w", err)
	}
	if decoded.Code != multihash.SHA3_256 {
		return Zero, fmt.Errorf("xor: unsupported multihash code 0x%x", decoded.Code)
	}
	return FromBytes(decoded.Digest)
}

// Random returns an identifier drawn from crypto/rand.
func Random() Identifier {
	var id Identifier
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("xor: random identifier: %v", err))
	}
	return id
}

// String hex-encodes the identifier.
func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id Identifier) Short() string {
	return hex.EncodeToString(id[:4])
}

// CID renders the identifier as a CIDv1 (raw codec, sha3-256 multihash).
func (id Identifier) CID() cid.Cid {
	mh, err := multihash.Encode(id[:], multihash.SHA3_256)
	if err != nil {
		return cid.Undef
	}
	return cid.NewCidV1(cid.Raw, mh)
}

// IsZero reports whether id is the zero identifier.
func (id Identifier) IsZero() bool {
	return id == Zero
}

// Compare orders identifiers by value.
func (id Identifier) Compare(other Identifier) int {
	return bytes.Compare(id[:], other[:])
}

// DistanceTo returns the XOR distance between id and other.
func (id Identifier) DistanceTo(other Identifier) Distance {
	return Between(id, other)
}

// Between returns the XOR distance between a and b. It is symmetric and zero
// iff a == b.
func Between(a, b Identifier) Distance {
	var d Distance
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Compare orders distances as unsigned integers.
func (d Distance) Compare(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

// Less reports whether d is strictly smaller than other.
func (d Distance) Less(other Distance) bool {
	return d.Compare(other) < 0
}

// LeadingZeros returns the number of leading zero bits, which is the common
// prefix length of the two identifiers that produced d.
func (d Distance) LeadingZeros() int {
	for i := 0; i < Size; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}
	return Bits
}

// String hex-encodes the distance.
func (d Distance) String() string {
	return hex.EncodeToString(d[:])
}

// MaxDistance is the largest representable distance.
func MaxDistance() Distance {
	var d Distance
	for i := range d {
		d[i] = 0xff
	}
	return d
}

// CommonPrefixLen returns the number of leading bits shared by a and b.
func CommonPrefixLen(a, b Identifier) int {
	return Between(a, b).LeadingZeros()
}

// SortByDistance sorts ids in place, nearest to target first. Ties, which
// only occur for duplicate entries, fall back to identifier order.
func SortByDistance(target Identifier, ids []Identifier) {
	sort.Slice(ids, func(i, j int) bool {
		return closer(target, ids[i], ids[j])
	})
}

// Closest returns up to k candidates ordered ascending by distance to target.
// The input slice is not modified.
func Closest(target Identifier, candidates []Identifier, k int) []Identifier {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	out := make([]Identifier, len(candidates))
	copy(out, candidates)
	SortByDistance(target, out)
	if k < len(out) {
		out = out[:k]
	}
	return out
}

func closer(target, a, b Identifier) bool {
	if c := Between(target, a).Compare(Between(target, b)); c != 0 {
		return c < 0
	}
	return a.Compare(b) < 0
}
