// Package server exposes the engine over gRPC.
//
// The service is described by hand over well-known protobuf types: requests
// and replies are google.protobuf.Struct values carrying the JSON form of the
// pkg/types model, so no generated stubs are needed on either side.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/bucket-bridge/internal/controller"
	"github.com/ChuLiYu/bucket-bridge/internal/jobmanager"
	"github.com/ChuLiYu/bucket-bridge/internal/storage"
	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bucketbridge.v1.Control"

// Engine is the part of the controller the service drives.
type Engine interface {
	SubmitTransfers(ctx context.Context, reqs []types.TransferRequest) ([]types.JobID, error)
	ListJobs() []types.Job
	Stats() types.Stats
	QueueDepth() int
	JobUpdates(ctx context.Context) <-chan types.Update
	Cancel(id types.JobID) error
	Retry(ctx context.Context, id types.JobID) error
	Clear(ids ...types.JobID) []types.JobID
	ClearFinished() []types.JobID
	CreateBucket(ctx context.Context, account, name string) error
	DeleteObject(ctx context.Context, loc types.Locator) error
}

// ============================================================================
// 訊息格式
// ============================================================================

// SubmitRequest is the body of Submit.
type SubmitRequest struct {
	Requests []types.TransferRequest `json:"requests"`
}

// SubmitReply lists the accepted ids; Error joins the per-request failures.
type SubmitReply struct {
	IDs   []types.JobID `json:"ids"`
	Error string        `json:"error,omitempty"`
}

type ListReply struct {
	Jobs []types.Job `json:"jobs"`
}

// StatusReply is the body of Status.
type StatusReply struct {
	Stats      types.Stats `json:"stats"`
	QueueDepth int         `json:"queue_depth"`
}

// ClearRequest removes the listed jobs, or every finished job when IDs is
// empty.
type ClearRequest struct {
	IDs []types.JobID `json:"ids,omitempty"`
}

type ClearReply struct {
	Removed []types.JobID `json:"removed"`
}

type BucketRequest struct {
	Account string `json:"account"`
	Name    string `json:"name"`
}

// ============================================================================
// Server
// ============================================================================

// controlService is the handler set registered under ServiceName.
type controlService interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Cancel(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Retry(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Clear(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateBucket(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DeleteObject(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

// Server implements the control service over an Engine.
type Server struct {
	engine Engine
}

// NewServer creates a new gRPC service instance.
func NewServer(engine Engine) *Server {
	return &Server{engine: engine}
}

// Register adds the control service and a health service to gs.
func Register(gs *grpc.Server, s *Server) *health.Server {
	gs.RegisterService(&serviceDesc, s)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// Serve listens on addr until ctx is done, then stops gracefully.
func Serve(ctx context.Context, addr string, engine Engine) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, engine)
}

// ServeListener serves on lis until ctx is done.
func ServeListener(ctx context.Context, lis net.Listener, engine Engine) error {
	gs := grpc.NewServer()
	hs := Register(gs, NewServer(engine))

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		gs.GracefulStop()
	}()

	log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode submit request: %v", err)
	}
	ids, err := s.engine.SubmitTransfers(ctx, req.Requests)
	reply := SubmitReply{IDs: ids}
	if err != nil {
		if len(ids) == 0 {
			return nil, toStatus(err)
		}
		reply.Error = err.Error()
	}
	return toStruct(reply)
}

func (s *Server) List(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(ListReply{Jobs: s.engine.ListJobs()})
}

func (s *Server) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(StatusReply{Stats: s.engine.Stats(), QueueDepth: s.engine.QueueDepth()})
}

func (s *Server) Cancel(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.engine.Cancel(types.JobID(in.GetValue())); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Retry(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.engine.Retry(ctx, types.JobID(in.GetValue())); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Clear(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ClearRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode clear request: %v", err)
	}
	var removed []types.JobID
	if len(req.IDs) == 0 {
		removed = s.engine.ClearFinished()
	} else {
		removed = s.engine.Clear(req.IDs...)
	}
	return toStruct(ClearReply{Removed: removed})
}

func (s *Server) CreateBucket(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req BucketRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode bucket request: %v", err)
	}
	if err := s.engine.CreateBucket(ctx, req.Account, req.Name); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) DeleteObject(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var loc types.Locator
	if err := fromStruct(in, &loc); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode locator: %v", err)
	}
	if err := s.engine.DeleteObject(ctx, loc); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Watch streams job updates until the client goes away or the engine stops.
func (s *Server) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	for update := range s.engine.JobUpdates(ctx) {
		msg, err := toStruct(update)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return status.FromContextError(ctx.Err()).Err()
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, jobmanager.ErrInvalidRequest), errors.Is(err, storage.ErrUnknownAccount):
		code = codes.InvalidArgument
	case errors.Is(err, jobmanager.ErrDuplicateJob), errors.Is(err, storage.ErrBucketExists):
		code = codes.AlreadyExists
	case errors.Is(err, jobmanager.ErrJobNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrBucketNotFound):
		code = codes.NotFound
	case errors.Is(err, controller.ErrAlreadyTerminal), errors.Is(err, controller.ErrNotFailed):
		code = codes.FailedPrecondition
	case errors.Is(err, controller.ErrShuttingDown), errors.Is(err, controller.ErrNotStarted):
		code = codes.Unavailable
	case errors.Is(err, storage.ErrAccessDenied), errors.Is(err, storage.ErrInvalidCredentials):
		code = codes.PermissionDenied
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
