package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"swarmstore/pkg/record"
	"swarmstore/pkg/xor"
)

// Quote is what a wallet needs from the network before paying for a write.
type Quote struct {
	Address   xor.Identifier
	Kind      record.Kind
	Price     uint64
	QuotedAt  time.Time
	RewardIDs []xor.Identifier
}

var ErrInvalidQuote = errors.New("transfer: invalid quote")

// Marshal encodes the quote as: 1 address, 2 kind, 3 price, 4 quoted-at
// unix nanos, 5 repeated reward ids.
func (q Quote) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, q.Address[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(q.Kind))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, q.Price)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(q.QuotedAt.UnixNano()))
	for _, id := range q.RewardIDs {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
	}
	return b
}

// UnmarshalQuote decodes a quote produced by Quote.Marshal.
func UnmarshalQuote(b []byte) (Quote, error) {
	var q Quote
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, protowire.ParseError(m))
			}
			b = b[m:]
			id, err := xor.FromBytes(v)
			if err != nil {
				return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
			}
			switch num {
			case 1:
				q.Address = id
			case 5:
				q.RewardIDs = append(q.RewardIDs, id)
			}
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, protowire.ParseError(m))
			}
			b = b[m:]
			switch num {
			case 2:
				q.Kind = record.Kind(v)
			case 3:
				q.Price = v
			case 4:
				q.QuotedAt = time.Unix(0, int64(v)).UTC()
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return q, nil
}

// Pay builds and signs a proof paying amount against quote. spendRef names the
// spend that moved the tokens.
func Pay(signer Signer, quote Quote, amount uint64, spendRef xor.Identifier) *record.PaymentProof {
	p := &record.PaymentProof{
		ID:          uuid.New(),
		Address:     quote.Address,
		Kind:        quote.Kind,
		Amount:      amount,
		QuotedPrice: quote.Price,
		QuotedAt:    quote.QuotedAt,
		RewardIDs:   append([]xor.Identifier(nil), quote.RewardIDs...),
		SpendRef:    spendRef,
		PayerKey:    signer.PublicKey(),
		Scheme:      signer.Scheme(),
	}
	p.Signature = signer.Sign(p.SigningBytes())
	return p
}

// VerifyProof checks the payer's signature.
func VerifyProof(p *record.PaymentProof) error {
	if p == nil {
		return fmt.Errorf("%w: missing proof", record.ErrPaymentInvalid)
	}
	if err := Verify(p.Scheme, p.PayerKey, p.SigningBytes(), p.Signature); err != nil {
		return fmt.Errorf("%w: %v", record.ErrPaymentInvalid, err)
	}
	return nil
}
