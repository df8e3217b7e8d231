package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The peer service carries opaque frames in protobuf well-known wrappers so
// no code generation is needed. The sender's PeerID travels in the
// peerHeader metadata key.
const (
	peerServiceName = "aura.transport.v1.Peer"
	deliverMethod   = "/" + peerServiceName + "/Deliver"
	peerHeader      = "x-aura-peer"
)

// PeerServer is the server API of the peer service.
type PeerServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
}

// UnimplementedPeerServer can be embedded for forward compatibility.
type UnimplementedPeerServer struct{}

func (UnimplementedPeerServer) Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Deliver not implemented")
}

func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&Peer_ServiceDesc, srv)
}

// PeerClient is the client API of the peer service.
type PeerClient interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
}

type peerClient struct{ cc grpc.ClientConnInterface }

func NewPeerClient(cc grpc.ClientConnInterface) PeerClient { return &peerClient{cc: cc} }

func (c *peerClient) Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, deliverMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Peer_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Peer_ServiceDesc is the grpc.ServiceDesc for the peer service.
var Peer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: peerServiceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: _Peer_Deliver_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peer.proto",
}
