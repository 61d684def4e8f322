package protocol

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"swarmstore/pkg/record"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/xor"
)

// Client speaks the peer protocol over one connection, identifying itself as
// Self on every call. A zero Self makes anonymous calls.
type Client struct {
	client PeerClient
	Self   PeerInfo
}

func NewClient(cc grpc.ClientConnInterface, self PeerInfo) *Client {
	return &Client{client: NewPeerClient(cc), Self: self}
}

func (c *Client) ctx(ctx context.Context) context.Context {
	if c.Self.ID.IsZero() {
		return ctx
	}
	return WithSender(ctx, c.Self)
}

// GetRecord returns every version the peer holds at addr.
func (c *Client) GetRecord(ctx context.Context, addr xor.Identifier) ([]*record.Record, error) {
	reply, err := c.client.GetRecord(c.ctx(ctx), wrapperspb.Bytes(addr[:]))
	if err != nil {
		return nil, mapRPC(err)
	}
	return record.UnmarshalSet(reply.GetValue())
}

func (c *Client) PutRecord(ctx context.Context, r *record.Record) error {
	_, err := c.client.PutRecord(c.ctx(ctx), wrapperspb.Bytes(r.Marshal()))
	return mapRPC(err)
}

func (c *Client) Replicate(ctx context.Context, r *record.Record) error {
	_, err := c.client.Replicate(c.ctx(ctx), wrapperspb.Bytes(r.Marshal()))
	return mapRPC(err)
}

// Ping announces Self and returns the peer's identity.
func (c *Client) Ping(ctx context.Context) (PeerInfo, error) {
	var body []byte
	if !c.Self.ID.IsZero() {
		body = c.Self.Marshal()
	}
	reply, err := c.client.Ping(c.ctx(ctx), wrapperspb.Bytes(body))
	if err != nil {
		return PeerInfo{}, mapRPC(err)
	}
	return UnmarshalPeerInfo(reply.GetValue())
}

// FindNode asks the peer for the peers it knows closest to target.
func (c *Client) FindNode(ctx context.Context, target xor.Identifier) ([]PeerInfo, error) {
	reply, err := c.client.FindNode(c.ctx(ctx), wrapperspb.Bytes(target[:]))
	if err != nil {
		return nil, mapRPC(err)
	}
	return UnmarshalPeers(reply.GetValue())
}

// OfferAddresses tells the peer which addresses Self holds near it.
func (c *Client) OfferAddresses(ctx context.Context, addrs []xor.Identifier) error {
	_, err := c.client.OfferAddresses(c.ctx(ctx), wrapperspb.Bytes(record.MarshalIdentifiers(addrs)))
	return mapRPC(err)
}

// GetQuote asks the peer what a write of kind at addr costs.
func (c *Client) GetQuote(ctx context.Context, addr xor.Identifier, kind record.Kind) (transfer.Quote, error) {
	reply, err := c.client.GetQuote(c.ctx(ctx), wrapperspb.Bytes(marshalQuoteRequest(addr, kind)))
	if err != nil {
		return transfer.Quote{}, mapRPC(err)
	}
	return transfer.UnmarshalQuote(reply.GetValue())
}
