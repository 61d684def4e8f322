package record

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"swarmstore/pkg/xor"
)

// Kind codes on the wire. "With payment" variants are implied by a proof.
const (
	wireChunkWithPayment    = 0
	wireChunk               = 1
	wireSpend               = 2
	wireRegister            = 3
	wireRegisterWithPayment = 4
)

func wireKind(k Kind, paid bool) uint64 {
	switch k {
	case KindChunk:
		if paid {
			return wireChunkWithPayment
		}
		return wireChunk
	case KindRegister:
		if paid {
			return wireRegisterWithPayment
		}
		return wireRegister
	case KindSpend:
		return wireSpend
	}
	return 255
}

func kindFromWire(v uint64) (Kind, error) {
	switch v {
	case wireChunk, wireChunkWithPayment:
		return KindChunk, nil
	case wireRegister, wireRegisterWithPayment:
		return KindRegister, nil
	case wireSpend:
		return KindSpend, nil
	}
	return 0, fmt.Errorf("%w: unexpected kind code %d", ErrInvalidRecord, v)
}

// Marshal encodes the record as a protobuf message:
//
//	1 address bytes, 2 kind varint, 3 payload bytes, 4 proof message, 5 signature bytes
func (r *Record) Marshal() []byte {
	b := make([]byte, 0, len(r.Payload)+xor.Size+16)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Address[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, wireKind(r.Kind, r.Proof != nil))
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if r.Proof != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Proof.Marshal())
	}
	if len(r.Signature) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Signature)
	}
	return b
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(b []byte) (*Record, error) {
	r := &Record{}
	var sawAddress, sawKind bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			id, err := xor.FromBytes(v)
			if err != nil {
				return err
			}
			r.Address = id
			sawAddress = true
		case 2:
			k, err := kindFromWire(n)
			if err != nil {
				return err
			}
			r.Kind = k
			sawKind = true
		case 3:
			r.Payload = append([]byte(nil), v...)
		case 4:
			p, err := UnmarshalProof(v)
			if err != nil {
				return err
			}
			r.Proof = p
		case 5:
			r.Signature = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawAddress || !sawKind {
		return nil, fmt.Errorf("%w: missing address or kind", ErrInvalidRecord)
	}
	return r, nil
}

// Marshal encodes the proof as a protobuf message.
func (p *PaymentProof) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, p.ID[:])
	b = appendBytesField(b, 2, p.Address[:])
	b = appendVarintField(b, 3, uint64(p.Kind))
	b = appendVarintField(b, 4, p.Amount)
	b = appendVarintField(b, 5, p.QuotedPrice)
	if !p.QuotedAt.IsZero() {
		b = appendVarintField(b, 6, uint64(p.QuotedAt.UnixNano()))
	}
	for _, id := range p.RewardIDs {
		b = appendBytesField(b, 7, id[:])
	}
	b = appendBytesField(b, 8, p.SpendRef[:])
	b = appendBytesField(b, 9, p.PayerKey)
	b = appendVarintField(b, 10, uint64(p.Scheme))
	if len(p.Signature) > 0 {
		b = appendBytesField(b, 11, p.Signature)
	}
	return b
}

// UnmarshalProof decodes a proof produced by PaymentProof.Marshal.
func UnmarshalProof(b []byte) (*PaymentProof, error) {
	p := &PaymentProof{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			if len(v) != len(p.ID) {
				return fmt.Errorf("%w: proof id length %d", ErrPaymentInvalid, len(v))
			}
			copy(p.ID[:], v)
		case 2:
			id, err := xor.FromBytes(v)
			if err != nil {
				return err
			}
			p.Address = id
		case 3:
			p.Kind = Kind(n)
		case 4:
			p.Amount = n
		case 5:
			p.QuotedPrice = n
		case 6:
			p.QuotedAt = time.Unix(0, int64(n)).UTC()
		case 7:
			id, err := xor.FromBytes(v)
			if err != nil {
				return err
			}
			p.RewardIDs = append(p.RewardIDs, id)
		case 8:
			id, err := xor.FromBytes(v)
			if err != nil {
				return err
			}
			p.SpendRef = id
		case 9:
			p.PayerKey = append([]byte(nil), v...)
		case 10:
			p.Scheme = Scheme(n)
		case 11:
			p.Signature = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MarshalSet encodes a list of record versions as repeated field 1.
func MarshalSet(versions []*Record) []byte {
	var b []byte
	for _, v := range versions {
		b = appendBytesField(b, 1, v.Marshal())
	}
	return b
}

// UnmarshalSet decodes a list produced by MarshalSet.
func UnmarshalSet(b []byte) ([]*Record, error) {
	var out []*Record
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		if num != 1 {
			return nil
		}
		r, err := Unmarshal(v)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// MarshalIdentifiers encodes a list of identifiers as repeated field 1.
func MarshalIdentifiers(ids []xor.Identifier) []byte {
	var b []byte
	for _, id := range ids {
		b = appendBytesField(b, 1, id[:])
	}
	return b
}

// UnmarshalIdentifiers decodes a list produced by MarshalIdentifiers.
func UnmarshalIdentifiers(b []byte) ([]xor.Identifier, error) {
	var out []xor.Identifier
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		if num != 1 {
			return nil
		}
		id, err := xor.FromBytes(v)
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walk visits each field of a protobuf message. Bytes fields arrive in v,
// varints in n; other wire types are skipped.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidRecord, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidRecord, protowire.ParseError(m))
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			n, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidRecord, protowire.ParseError(m))
			}
			if err := visit(num, typ, nil, n); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidRecord, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
