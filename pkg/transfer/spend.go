package transfer

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"swarmstore/pkg/record"
	"swarmstore/pkg/xor"
)

var ErrInvalidSpend = errors.New("transfer: invalid spend")

// Spend records that the cash note owned by UniquePubkey was consumed in
// SpentTx. The derived key signs the body; the address is the hash of the key.
type Spend struct {
	UniquePubkey []byte
	Scheme       record.Scheme
	SpentTx      xor.Identifier
	Reason       xor.Identifier
	Amount       uint64
	CreationTx   xor.Identifier
	Signature    []byte
}

// Address is where the spend lives on the network.
func (s *Spend) Address() xor.Identifier {
	return KeyAddress(s.UniquePubkey)
}

// body is the signed portion of the spend.
func (s *Spend) body() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, s.UniquePubkey)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Scheme))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, s.SpentTx[:])
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Reason[:])
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Amount)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, s.CreationTx[:])
	return b
}

// Marshal encodes the signed spend.
func (s *Spend) Marshal() []byte {
	b := s.body()
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	return protowire.AppendBytes(b, s.Signature)
}

// UnmarshalSpend decodes a spend produced by Marshal.
func UnmarshalSpend(b []byte) (*Spend, error) {
	s := &Spend{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpend, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSpend, protowire.ParseError(m))
			}
			b = b[m:]
			switch num {
			case 1:
				s.UniquePubkey = append([]byte(nil), v...)
			case 3, 4, 6:
				id, err := xor.FromBytes(v)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidSpend, err)
				}
				switch num {
				case 3:
					s.SpentTx = id
				case 4:
					s.Reason = id
				case 6:
					s.CreationTx = id
				}
			case 7:
				s.Signature = append([]byte(nil), v...)
			}
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSpend, protowire.ParseError(m))
			}
			b = b[m:]
			switch num {
			case 2:
				s.Scheme = record.Scheme(v)
			case 5:
				s.Amount = v
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSpend, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return s, nil
}

// SignSpend fills in the key material and signature from signer.
func SignSpend(signer Signer, s *Spend) {
	s.UniquePubkey = signer.PublicKey()
	s.Scheme = signer.Scheme()
	s.Signature = signer.Sign(s.body())
}

// Verify checks the derived key's signature over the spend body.
func (s *Spend) Verify() error {
	if len(s.UniquePubkey) == 0 {
		return fmt.Errorf("%w: missing unique pubkey", ErrInvalidSpend)
	}
	if err := Verify(s.Scheme, s.UniquePubkey, s.body(), s.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpend, err)
	}
	return nil
}

// NewSpendRecord wraps a signed spend into a record at its derived address.
func NewSpendRecord(s *Spend) *record.Record {
	return &record.Record{
		Address: s.Address(),
		Kind:    record.KindSpend,
		Payload: s.Marshal(),
	}
}

// ValidateSpendRecord checks that r carries a correctly signed spend stored
// at the address derived from its key.
func ValidateSpendRecord(r *record.Record) error {
	s, err := UnmarshalSpend(r.Payload)
	if err != nil {
		return err
	}
	if s.Address() != r.Address {
		return fmt.Errorf("%w: spend key hashes to %s, stored at %s", ErrInvalidSpend, s.Address().Short(), r.Address.Short())
	}
	return s.Verify()
}
