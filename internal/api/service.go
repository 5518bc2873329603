package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "georepl.Client"

// ClientServer is the server side of georepl.Client.
type ClientServer interface {
	Replicate(context.Context, *ReplicateRequest) (*ReplicateResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Conflicts(context.Context, *ConflictsRequest) (*ConflictsResponse, error)
	Resolve(context.Context, *ResolveRequest) (*ResolveResponse, error)
	Lag(context.Context, *LagRequest) (*LagResponse, error)
}

// RegisterClientServer registers srv on s.
func RegisterClientServer(s grpc.ServiceRegistrar, srv ClientServer) {
	s.RegisterService(&clientServiceDesc, srv)
}

var clientServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClientServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Replicate", ClientServer.Replicate),
		unary("Get", ClientServer.Get),
		unary("Conflicts", ClientServer.Conflicts),
		unary("Resolve", ClientServer.Resolve),
		unary("Lag", ClientServer.Lag),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "georepl/client.proto",
}

// unary adapts a typed method to a Struct-in, Struct-out gRPC handler.
func unary[Req, Resp any](name string, call func(ClientServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				typed := new(Req)
				if err := fromStruct(req.(*structpb.Struct), typed); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
				}
				out, err := call(srv.(ClientServer), ctx, typed)
				if err != nil {
					return nil, err
				}
				return toStruct(out)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client calls georepl.Client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Replicate(ctx context.Context, in *ReplicateRequest, opts ...grpc.CallOption) (*ReplicateResponse, error) {
	out := new(ReplicateResponse)
	return out, c.invoke(ctx, "Replicate", in, out, opts)
}

func (c *Client) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	out := new(GetResponse)
	return out, c.invoke(ctx, "Get", in, out, opts)
}

func (c *Client) Conflicts(ctx context.Context, in *ConflictsRequest, opts ...grpc.CallOption) (*ConflictsResponse, error) {
	out := new(ConflictsResponse)
	return out, c.invoke(ctx, "Conflicts", in, out, opts)
}

func (c *Client) Resolve(ctx context.Context, in *ResolveRequest, opts ...grpc.CallOption) (*ResolveResponse, error) {
	out := new(ResolveResponse)
	return out, c.invoke(ctx, "Resolve", in, out, opts)
}

func (c *Client) Lag(ctx context.Context, in *LagRequest, opts ...grpc.CallOption) (*LagResponse, error) {
	out := new(LagResponse)
	return out, c.invoke(ctx, "Lag", in, out, opts)
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, opts...); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
