// Package record defines the records stored by the network, the payment
// proofs that authorise writes, their binary encoding and the error taxonomy
// shared by every layer that handles them.
package record

import (
	"bytes"
	"fmt"

	"swarmstore/pkg/xor"
)

// Kind distinguishes how a record's address relates to its payload.
type Kind uint8

const (
	// KindChunk is immutable content addressed by the hash of its payload.
	KindChunk Kind = iota + 1
	// KindRegister is a CRDT register addressed by its owner key.
	KindRegister
	// KindSpend records the consumption of a cash note; one per input key.
	KindSpend
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindRegister:
		return "register"
	case KindSpend:
		return "spend"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= KindChunk && k <= KindSpend
}

// RequiresPayment reports whether creating a record of this kind must be paid
// for. Spends are protocol-internal and free.
func (k Kind) RequiresPayment() bool {
	return k == KindChunk || k == KindRegister
}

// Unique reports whether at most one value may exist at an address of this
// kind. Competing values are conflicts, never overwrites.
func (k Kind) Unique() bool {
	return k == KindSpend
}

// ParseKind maps a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "chunk":
		return KindChunk, nil
	case "register":
		return KindRegister, nil
	case "spend":
		return KindSpend, nil
	}
	return 0, fmt.Errorf("record: unknown kind %q", s)
}

// Record is the unit of storage and replication.
type Record struct {
	Address   xor.Identifier
	Kind      Kind
	Payload   []byte
	Proof     *PaymentProof
	Signature []byte
}

// NewChunk builds a chunk record addressed by the hash of payload.
func NewChunk(payload []byte) *Record {
	return &Record{
		Address: xor.FromContent(payload),
		Kind:    KindChunk,
		Payload: append([]byte(nil), payload...),
	}
}

// WithProof returns a shallow copy of r carrying proof.
func (r *Record) WithProof(proof *PaymentProof) *Record {
	out := *r
	out.Proof = proof
	return &out
}

// VerifyAddress checks content addressing for chunks. Other kinds derive their
// address from key material that only the crypto collaborator can check.
func (r *Record) VerifyAddress() error {
	if r.Kind != KindChunk {
		return nil
	}
	if got := xor.FromContent(r.Payload); got != r.Address {
		return fmt.Errorf("%w: chunk %s hashes to %s", ErrAddressMismatch, r.Address.Short(), got.Short())
	}
	return nil
}

// Equal reports whether two records have byte-identical encodings.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return bytes.Equal(r.Marshal(), other.Marshal())
}

// SameContent compares address, kind and payload, ignoring any attached
// proof. Two deliveries of the same chunk paid by different proofs are the
// same stored value.
func (r *Record) SameContent(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Address == other.Address && r.Kind == other.Kind &&
		bytes.Equal(r.Payload, other.Payload) && bytes.Equal(r.Signature, other.Signature)
}

// Digest identifies this exact version of the record content.
func (r *Record) Digest() xor.Identifier {
	stripped := *r
	stripped.Proof = nil
	return xor.FromContent(stripped.Marshal())
}

// Size is the number of bytes the record occupies when stored.
func (r *Record) Size() int {
	return len(r.Marshal())
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		Address:   r.Address,
		Kind:      r.Kind,
		Payload:   append([]byte(nil), r.Payload...),
		Signature: append([]byte(nil), r.Signature...),
	}
	if r.Proof != nil {
		out.Proof = r.Proof.Clone()
	}
	return out
}

func (r *Record) String() string {
	return fmt.Sprintf("%s(%s, %d bytes)", r.Kind, r.Address.Short(), len(r.Payload))
}
