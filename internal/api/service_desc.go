package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// AnalyzerServiceName is the fully qualified gRPC service name.
	AnalyzerServiceName = "vrcsentinel.v1.Analyzer"
	// AnalyzeFullMethod is the method path of Analyze.
	AnalyzeFullMethod = "/" + AnalyzerServiceName + "/Analyze"
)

// AnalyzerServer is the server API of the Analyzer service. The request carries the raw
// identifier; the response is the verdict as a protobuf Struct.
type AnalyzerServer interface {
	Analyze(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

// AnalyzerServiceDesc describes the Analyzer service using well-known message types only.
var AnalyzerServiceDesc = grpc.ServiceDesc{
	ServiceName: AnalyzerServiceName,
	HandlerType: (*AnalyzerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Analyze", Handler: analyzeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vrcsentinel/v1/analyzer.proto",
}

// RegisterAnalyzerServer registers srv on s.
func RegisterAnalyzerServer(s grpc.ServiceRegistrar, srv AnalyzerServer) {
	s.RegisterService(&AnalyzerServiceDesc, srv)
}

func analyzeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnalyzerServer).Analyze(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AnalyzeFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnalyzerServer).Analyze(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// AnalyzerClient calls the Analyzer service.
type AnalyzerClient struct {
	cc grpc.ClientConnInterface
}

// NewAnalyzerClient wraps an established connection.
func NewAnalyzerClient(cc grpc.ClientConnInterface) *AnalyzerClient {
	return &AnalyzerClient{cc: cc}
}

// Analyze submits a raw identifier and returns the verdict struct.
func (c *AnalyzerClient) Analyze(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, AnalyzeFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
