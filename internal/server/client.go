package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// Client talks to a running engine over gRPC.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security; the server binds to
// loopback by default.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Submit sends reqs and returns the accepted ids. Rejected requests are
// reported in the error while the accepted ids are still returned.
func (c *Client) Submit(ctx context.Context, reqs []types.TransferRequest) ([]types.JobID, error) {
	in, err := toStruct(SubmitRequest{Requests: reqs})
	if err != nil {
		return nil, err
	}
	var reply SubmitReply
	if err := c.call(ctx, methodSubmit, in, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return reply.IDs, errors.New(reply.Error)
	}
	return reply.IDs, nil
}

func (c *Client) List(ctx context.Context) ([]types.Job, error) {
	var reply ListReply
	if err := c.call(ctx, methodList, &emptypb.Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Jobs, nil
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var reply StatusReply
	err := c.call(ctx, methodStatus, &emptypb.Empty{}, &reply)
	return reply, err
}

func (c *Client) Cancel(ctx context.Context, id types.JobID) error {
	return c.cc.Invoke(ctx, fullMethod(methodCancel), wrapperspb.String(string(id)), &emptypb.Empty{})
}

func (c *Client) Retry(ctx context.Context, id types.JobID) error {
	return c.cc.Invoke(ctx, fullMethod(methodRetry), wrapperspb.String(string(id)), &emptypb.Empty{})
}

// Clear removes ids, or every finished job when none are given.
func (c *Client) Clear(ctx context.Context, ids ...types.JobID) ([]types.JobID, error) {
	in, err := toStruct(ClearRequest{IDs: ids})
	if err != nil {
		return nil, err
	}
	var reply ClearReply
	if err := c.call(ctx, methodClear, in, &reply); err != nil {
		return nil, err
	}
	return reply.Removed, nil
}

func (c *Client) CreateBucket(ctx context.Context, account, name string) error {
	in, err := toStruct(BucketRequest{Account: account, Name: name})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, fullMethod(methodCreateBucket), in, &emptypb.Empty{})
}

func (c *Client) DeleteObject(ctx context.Context, loc types.Locator) error {
	in, err := toStruct(loc)
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, fullMethod(methodDeleteObject), in, &emptypb.Empty{})
}

// Watch calls fn for every update until ctx is done, the server closes the
// stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(types.Update) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], fullMethod(streamWatch))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var update types.Update
		if err := fromStruct(msg, &update); err != nil {
			return fmt.Errorf("decode update: %w", err)
		}
		if err := fn(update); err != nil {
			return err
		}
	}
}

func (c *Client) call(ctx context.Context, method string, in any, out any) error {
	reply := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, fullMethod(method), in, reply); err != nil {
		return err
	}
	if err := fromStruct(reply, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}
