// Package register is the CRDT register collaborator: an owner-signed,
// grow-only set of entries whose merge is set union. The storage core only
// reaches it through Validate and Merge.
package register

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"swarmstore/pkg/record"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/xor"
)

var ErrInvalidRegister = errors.New("register: invalid register")

// Entry is one owner-signed value.
type Entry struct {
	Value     []byte
	Signature []byte
}

// Register is the decoded payload of a register record.
type Register struct {
	Owner   []byte
	Scheme  record.Scheme
	Meta    xor.Identifier
	Entries []Entry
}

// New creates an empty register owned by signer and named by meta.
func New(signer transfer.Signer, meta xor.Identifier) *Register {
	return &Register{Owner: signer.PublicKey(), Scheme: signer.Scheme(), Meta: meta}
}

// Address is where the register lives: the hash of owner key and name.
func (r *Register) Address() xor.Identifier {
	return transfer.KeyAddress(append(append([]byte(nil), r.Owner...), r.Meta[:]...))
}

// Append signs value with the owner key and adds it.
func (r *Register) Append(signer transfer.Signer, value []byte) error {
	if !bytes.Equal(signer.PublicKey(), r.Owner) {
		return fmt.Errorf("%w: signer is not the owner", ErrInvalidRegister)
	}
	addr := r.Address()
	r.Entries = append(r.Entries, Entry{
		Value:     append([]byte(nil), value...),
		Signature: signer.Sign(entryMessage(addr, value)),
	})
	r.normalize()
	return nil
}

// Values returns the entry values in canonical order.
func (r *Register) Values() [][]byte {
	out := make([][]byte, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.Value
	}
	return out
}

// Record wraps the register into a storable record.
func (r *Register) Record() *record.Record {
	return &record.Record{Address: r.Address(), Kind: record.KindRegister, Payload: r.Marshal()}
}

func entryMessage(addr xor.Identifier, value []byte) []byte {
	return append(append([]byte(nil), addr[:]...), value...)
}

// normalize sorts and deduplicates entries so equal sets encode identically.
func (r *Register) normalize() {
	sort.Slice(r.Entries, func(i, j int) bool {
		if c := bytes.Compare(r.Entries[i].Value, r.Entries[j].Value); c != 0 {
			return c < 0
		}
		return bytes.Compare(r.Entries[i].Signature, r.Entries[j].Signature) < 0
	})
	out := r.Entries[:0]
	for i, e := range r.Entries {
		if i > 0 && bytes.Equal(e.Value, out[len(out)-1].Value) && bytes.Equal(e.Signature, out[len(out)-1].Signature) {
			continue
		}
		out = append(out, e)
	}
	r.Entries = out
}

// Verify checks every entry signature against the owner key.
func (r *Register) Verify() error {
	addr := r.Address()
	for i, e := range r.Entries {
		if err := transfer.Verify(r.Scheme, r.Owner, entryMessage(addr, e.Value), e.Signature); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrInvalidRegister, i, err)
		}
	}
	return nil
}

// Marshal encodes the register payload.
func (r *Register) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Owner)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Scheme))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Meta[:])
	for _, e := range r.Entries {
		var eb []byte
		eb = protowire.AppendTag(eb, 1, protowire.BytesType)
		eb = protowire.AppendBytes(eb, e.Value)
		eb = protowire.AppendTag(eb, 2, protowire.BytesType)
		eb = protowire.AppendBytes(eb, e.Signature)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

// Unmarshal decodes a register payload.
func Unmarshal(b []byte) (*Register, error) {
	r := &Register{}
	err := fields(b, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case 1:
			r.Owner = append([]byte(nil), v...)
		case 2:
			r.Scheme = record.Scheme(n)
		case 3:
			id, err := xor.FromBytes(v)
			if err != nil {
				return err
			}
			r.Meta = id
		case 4:
			var e Entry
			if err := fields(v, func(num protowire.Number, v []byte, _ uint64) error {
				switch num {
				case 1:
					e.Value = append([]byte(nil), v...)
				case 2:
					e.Signature = append([]byte(nil), v...)
				}
				return nil
			}); err != nil {
				return err
			}
			r.Entries = append(r.Entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegister, err)
	}
	r.normalize()
	return r, nil
}

func fields(b []byte, visit func(num protowire.Number, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := visit(num, v, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := visit(num, nil, v); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

// Validate checks that rec holds a well-formed register at its own address.
func Validate(rec *record.Record) error {
	r, err := Unmarshal(rec.Payload)
	if err != nil {
		return err
	}
	if r.Address() != rec.Address {
		return fmt.Errorf("%w: owner and name hash to %s, stored at %s", ErrInvalidRegister, r.Address().Short(), rec.Address.Short())
	}
	return r.Verify()
}

// Merge unions the entries of two versions of the same register.
func Merge(a, b *record.Record) (*record.Record, error) {
	ra, err := Unmarshal(a.Payload)
	if err != nil {
		return nil, err
	}
	rb, err := Unmarshal(b.Payload)
	if err != nil {
		return nil, err
	}
	if ra.Address() != rb.Address() || !bytes.Equal(ra.Owner, rb.Owner) {
		return nil, fmt.Errorf("%w: cannot merge registers with different owners", ErrInvalidRegister)
	}
	ra.Entries = append(ra.Entries, rb.Entries...)
	ra.normalize()
	out := a.Clone()
	out.Proof = nil
	out.Payload = ra.Marshal()
	return out, nil
}
