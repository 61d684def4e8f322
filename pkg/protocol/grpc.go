package protocol

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// PeerServer is the server API for the peer gRPC service. Requests and
// replies are protobuf well-known wrappers around the record package's
// binary encoding, so no codegen step is needed.
type PeerServer interface {
	GetRecord(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	PutRecord(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
	Replicate(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
	Ping(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	FindNode(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	OfferAddresses(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
	GetQuote(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// UnimplementedPeerServer can be embedded to have forward compatible implementations.
type UnimplementedPeerServer struct{}

func (UnimplementedPeerServer) GetRecord(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method GetRecord not implemented")
}
func (UnimplementedPeerServer) PutRecord(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method PutRecord not implemented")
}
func (UnimplementedPeerServer) Replicate(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Replicate not implemented")
}
func (UnimplementedPeerServer) Ping(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Ping not implemented")
}
func (UnimplementedPeerServer) FindNode(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method FindNode not implemented")
}
func (UnimplementedPeerServer) OfferAddresses(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method OfferAddresses not implemented")
}
func (UnimplementedPeerServer) GetQuote(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method GetQuote not implemented")
}

// RegisterPeerServer registers the peer service on a gRPC server.
func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&Peer_ServiceDesc, srv)
}

// PeerClient is the client API for the peer gRPC service.
type PeerClient interface {
	GetRecord(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	PutRecord(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	Replicate(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	Ping(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	FindNode(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	OfferAddresses(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	GetQuote(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

const servicePrefix = "/swarmstore.v1.Peer/"

type peerClient struct{ cc grpc.ClientConnInterface }

func NewPeerClient(cc grpc.ClientConnInterface) PeerClient { return &peerClient{cc: cc} }

func (c *peerClient) GetRecord(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, servicePrefix+"GetRecord", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) PutRecord(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, servicePrefix+"PutRecord", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) Replicate(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, servicePrefix+"Replicate", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) Ping(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, servicePrefix+"Ping", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) FindNode(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, servicePrefix+"FindNode", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) OfferAddresses(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, servicePrefix+"OfferAddresses", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Peer_GetRecord_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).GetRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: servicePrefix + "GetRecord"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).GetRecord(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_PutRecord_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).PutRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: servicePrefix + "PutRecord"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).PutRecord(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_Replicate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: servicePrefix + "Replicate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).Replicate(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_Ping_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: servicePrefix + "Ping"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).Ping(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_FindNode_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).FindNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: servicePrefix + "FindNode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).FindNode(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_OfferAddresses_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).OfferAddresses(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: servicePrefix + "OfferAddresses"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).OfferAddresses(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func (c *peerClient) GetQuote(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, servicePrefix+"GetQuote", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Peer_GetQuote_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).GetQuote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: servicePrefix + "GetQuote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).GetQuote(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Peer_ServiceDesc is the grpc.ServiceDesc for the peer service.
var Peer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "swarmstore.v1.Peer",
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetRecord", Handler: _Peer_GetRecord_Handler},
		{MethodName: "PutRecord", Handler: _Peer_PutRecord_Handler},
		{MethodName: "Replicate", Handler: _Peer_Replicate_Handler},
		{MethodName: "Ping", Handler: _Peer_Ping_Handler},
		{MethodName: "FindNode", Handler: _Peer_FindNode_Handler},
		{MethodName: "OfferAddresses", Handler: _Peer_OfferAddresses_Handler},
		{MethodName: "GetQuote", Handler: _Peer_GetQuote_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peer.proto",
}
