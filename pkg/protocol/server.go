package protocol

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"swarmstore/pkg/record"
	"swarmstore/pkg/transfer"
	"swarmstore/pkg/xor"
)

// Errors a Handler returns when refusing a replica.
var (
	ErrNotResponsible = errors.New("protocol: not responsible for address")
	ErrUnknownPeer    = errors.New("protocol: unknown peer")
)

// Handler is what a node does with peer requests. from is the zero PeerInfo
// for anonymous callers.
type Handler interface {
	Info() PeerInfo
	GetRecord(ctx context.Context, from PeerInfo, addr xor.Identifier) ([]*record.Record, error)
	PutRecord(ctx context.Context, from PeerInfo, r *record.Record) error
	Replicate(ctx context.Context, from PeerInfo, r *record.Record) error
	Ping(ctx context.Context, from PeerInfo)
	FindNode(ctx context.Context, from PeerInfo, target xor.Identifier) []PeerInfo
	OfferAddresses(ctx context.Context, from PeerInfo, addrs []xor.Identifier) error
	Quote(ctx context.Context, addr xor.Identifier, kind record.Kind) (transfer.Quote, error)
}

// Server exposes a Handler over the peer gRPC service.
type Server struct {
	UnimplementedPeerServer
	Handler Handler
	Logger  *zap.Logger
}

func NewServer(h Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Handler: h, Logger: logger}
}

func (s *Server) sender(ctx context.Context) PeerInfo {
	p, _ := Sender(ctx)
	return p
}

func (s *Server) GetRecord(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Handler == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing handler")
	}
	addr, err := xor.FromBytes(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	versions, err := s.Handler.GetRecord(ctx, s.sender(ctx), addr)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bytes(record.MarshalSet(versions)), nil
}

func (s *Server) PutRecord(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.Handler == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing handler")
	}
	r, err := record.Unmarshal(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	if err := s.Handler.PutRecord(ctx, s.sender(ctx), r); err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bool(true), nil
}

func (s *Server) Replicate(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.Handler == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing handler")
	}
	r, err := record.Unmarshal(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	if err := s.Handler.Replicate(ctx, s.sender(ctx), r); err != nil {
		s.Logger.Debug("Replica refused",
			zap.Stringer("record", r),
			zap.Error(err))
		return nil, mapErr(err)
	}
	return wrapperspb.Bool(true), nil
}

func (s *Server) Ping(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Handler == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing handler")
	}
	from := s.sender(ctx)
	if len(in.GetValue()) > 0 {
		if p, err := UnmarshalPeerInfo(in.GetValue()); err == nil && !p.ID.IsZero() {
			from = p
		}
	}
	s.Handler.Ping(ctx, from)
	return wrapperspb.Bytes(s.Handler.Info().Marshal()), nil
}

func (s *Server) FindNode(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Handler == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing handler")
	}
	target, err := xor.FromBytes(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return wrapperspb.Bytes(MarshalPeers(s.Handler.FindNode(ctx, s.sender(ctx), target))), nil
}

func (s *Server) OfferAddresses(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.Handler == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing handler")
	}
	addrs, err := record.UnmarshalIdentifiers(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	if err := s.Handler.OfferAddresses(ctx, s.sender(ctx), addrs); err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bool(true), nil
}

func (s *Server) GetQuote(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Handler == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing handler")
	}
	addr, kind, err := unmarshalQuoteRequest(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	q, err := s.Handler.Quote(ctx, addr, kind)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bytes(q.Marshal()), nil
}
