// Package protocol is the peer wire protocol: the gRPC service definition,
// its message encoding, sender identification and the mapping between the
// record error taxonomy and gRPC status codes.
package protocol

import (
	"context"
	"fmt"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protowire"

	"swarmstore/pkg/record"
	"swarmstore/pkg/xor"
)

// Metadata keys identifying the calling peer.
const (
	mdPeerID   = "x-swarm-peer-id"
	mdPeerAddr = "x-swarm-peer-addr"
)

// PeerInfo identifies a peer and where to reach it.
type PeerInfo struct {
	ID   xor.Identifier
	Addr string
}

func (p PeerInfo) String() string {
	return fmt.Sprintf("%s@%s", p.ID.Short(), p.Addr)
}

// Marshal encodes the peer as: 1 id bytes, 2 addr string.
func (p PeerInfo) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, p.ID[:])
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, p.Addr)
	return b
}

// UnmarshalPeerInfo decodes a peer produced by Marshal.
func UnmarshalPeerInfo(b []byte) (PeerInfo, error) {
	var p PeerInfo
	err := fields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			id, err := xor.FromBytes(v)
			if err != nil {
				return err
			}
			p.ID = id
		case 2:
			p.Addr = string(v)
		}
		return nil
	})
	return p, err
}

// MarshalPeers encodes a peer list as repeated field 1.
func MarshalPeers(peers []PeerInfo) []byte {
	var b []byte
	for _, p := range peers {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Marshal())
	}
	return b
}

// UnmarshalPeers decodes a list produced by MarshalPeers.
func UnmarshalPeers(b []byte) ([]PeerInfo, error) {
	var out []PeerInfo
	err := fields(b, func(num protowire.Number, v []byte) error {
		if num != 1 {
			return nil
		}
		p, err := UnmarshalPeerInfo(v)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// fields visits the length-delimited fields of b.
func fields(b []byte, visit func(num protowire.Number, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", record.ErrInvalidRecord, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", record.ErrInvalidRecord, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return fmt.Errorf("%w: %v", record.ErrInvalidRecord, protowire.ParseError(m))
		}
		if err := visit(num, v); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

// WithSender attaches the caller's identity to outgoing requests.
func WithSender(ctx context.Context, self PeerInfo) context.Context {
	return metadata.AppendToOutgoingContext(ctx, mdPeerID, self.ID.String(), mdPeerAddr, self.Addr)
}

// Sender extracts the calling peer from an incoming request. ok is false for
// anonymous callers such as clients.
func Sender(ctx context.Context) (PeerInfo, bool) {
	md, found := metadata.FromIncomingContext(ctx)
	if !found {
		return PeerInfo{}, false
	}
	ids := md.Get(mdPeerID)
	if len(ids) == 0 {
		return PeerInfo{}, false
	}
	id, err := xor.Parse(ids[0])
	if err != nil {
		return PeerInfo{}, false
	}
	p := PeerInfo{ID: id}
	if addrs := md.Get(mdPeerAddr); len(addrs) > 0 {
		p.Addr = addrs[0]
	}
	return p, true
}

// marshalQuoteRequest encodes a quote request as: 1 address bytes, 2 kind.
func marshalQuoteRequest(addr xor.Identifier, kind record.Kind) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, addr[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(kind))
}

func unmarshalQuoteRequest(b []byte) (xor.Identifier, record.Kind, error) {
	var addr xor.Identifier
	var kind record.Kind
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return addr, kind, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return addr, kind, protowire.ParseError(m)
			}
			id, err := xor.FromBytes(v)
			if err != nil {
				return addr, kind, err
			}
			addr = id
			b = b[m:]
		case num == 2 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return addr, kind, protowire.ParseError(m)
			}
			kind = record.Kind(v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return addr, kind, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	if !kind.Valid() {
		return addr, kind, fmt.Errorf("unknown kind %d", kind)
	}
	return addr, kind, nil
}
