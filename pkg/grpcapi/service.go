package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dyntrack.v1.DynStateService"

// DynStateServer is the server side of the service. Responses are JSON
// objects carried as google.protobuf.Struct.
type DynStateServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSummary(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListRules(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flush(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Sweep(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DynStateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unary("GetStatus", newEmpty, DynStateServer.GetStatus)},
		{MethodName: "ListSessions", Handler: unary("ListSessions", newStruct, DynStateServer.ListSessions)},
		{MethodName: "GetSummary", Handler: unary("GetSummary", newEmpty, DynStateServer.GetSummary)},
		{MethodName: "ListRules", Handler: unary("ListRules", newEmpty, DynStateServer.ListRules)},
		{MethodName: "GetEvents", Handler: unary("GetEvents", newStruct, DynStateServer.GetEvents)},
		{MethodName: "DeleteRule", Handler: unary("DeleteRule", newStruct, DynStateServer.DeleteRule)},
		{MethodName: "Flush", Handler: unary("Flush", newEmpty, DynStateServer.Flush)},
		{MethodName: "Sweep", Handler: unary("Sweep", newEmpty, DynStateServer.Sweep)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dyntrack/v1/dynstate.proto",
}

// RegisterDynStateServer registers srv on s.
func RegisterDynStateServer(s grpc.ServiceRegistrar, srv DynStateServer) {
	s.RegisterService(&serviceDesc, srv)
}

func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }
func newStruct() *structpb.Struct { return &structpb.Struct{} }

func unary[T proto.Message](method string, newReq func() T,
	call func(DynStateServer, context.Context, T) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DynStateServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DynStateServer), ctx, req.(T))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// toStruct encodes v, which must marshal to a JSON object.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return st, nil
}

// fromStruct decodes st into v.
func fromStruct(st *structpb.Struct, v any) error {
	b, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func intField(st *structpb.Struct, name string) int {
	return int(st.GetFields()[name].GetNumberValue())
}

func stringField(st *structpb.Struct, name string) string {
	return st.GetFields()[name].GetStringValue()
}
