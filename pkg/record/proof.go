package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"swarmstore/pkg/xor"
)

// Scheme names the signature algorithm used by a key.
type Scheme uint8

const (
	SchemeEd25519 Scheme = iota + 1
	SchemeDilithium3
)

func (s Scheme) String() string {
	switch s {
	case SchemeEd25519:
		return "ed25519"
	case SchemeDilithium3:
		return "dilithium3"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// PaymentProof is built by a wallet and attached to a paid write. It binds a
// payment of Amount, made against a price quoted at QuotedAt, to exactly one
// (Address, Kind) pair. RewardIDs are the close-group members the payment was
// made out to. SpendRef points at the spend record that moved the tokens.
type PaymentProof struct {
	ID          uuid.UUID
	Address     xor.Identifier
	Kind        Kind
	Amount      uint64
	QuotedPrice uint64
	QuotedAt    time.Time
	RewardIDs   []xor.Identifier
	SpendRef    xor.Identifier
	PayerKey    []byte
	Scheme      Scheme
	Signature   []byte
}

// SigningBytes is the canonical encoding covered by the payer's signature.
func (p *PaymentProof) SigningBytes() []byte {
	unsigned := *p
	unsigned.Signature = nil
	return unsigned.Marshal()
}

// Authorizes reports whether the proof was issued for this address and kind.
func (p *PaymentProof) Authorizes(address xor.Identifier, kind Kind) bool {
	return p.Address == address && p.Kind == kind
}

// Clone returns a deep copy.
func (p *PaymentProof) Clone() *PaymentProof {
	if p == nil {
		return nil
	}
	out := *p
	out.RewardIDs = append([]xor.Identifier(nil), p.RewardIDs...)
	out.PayerKey = append([]byte(nil), p.PayerKey...)
	out.Signature = append([]byte(nil), p.Signature...)
	return &out
}
