package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ============================================================================
// 服務描述 (等同 protoc-gen-go-grpc 產生的內容)
// ============================================================================

const (
	methodSubmit       = "Submit"
	methodList         = "List"
	methodStatus       = "Status"
	methodCancel       = "Cancel"
	methodRetry        = "Retry"
	methodClear        = "Clear"
	methodCreateBucket = "CreateBucket"
	methodDeleteObject = "DeleteObject"
	streamWatch        = "Watch"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlService)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodSubmit, newStruct, controlService.Submit),
		unary(methodList, newEmpty, controlService.List),
		unary(methodStatus, newEmpty, controlService.Status),
		unary(methodCancel, newString, controlService.Cancel),
		unary(methodRetry, newString, controlService.Retry),
		unary(methodClear, newStruct, controlService.Clear),
		unary(methodCreateBucket, newStruct, controlService.CreateBucket),
		unary(methodDeleteObject, newStruct, controlService.DeleteObject),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "bucketbridge/v1/control.proto",
}

func newStruct() *structpb.Struct        { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty           { return &emptypb.Empty{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }

// unary builds the method descriptor for one request/reply call.
func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(controlService, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(controlService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(controlService).Watch(in, stream)
}
