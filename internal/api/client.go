package api

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/local"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kolkov/tunsv/internal/supervisor"
)

const DefaultTimeout = 10 * time.Second

// Client is the caller side of the control channel. Every call is bounded by
// the client timeout; failures are returned as is and never retried.
type Client struct {
	conn    *grpc.ClientConn
	socket  string
	timeout time.Duration
}

func Dial(socket string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := grpc.NewClient(target(socket), grpc.WithTransportCredentials(local.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("control channel %s: %w", socket, err)
	}
	return &Client{conn: conn, socket: socket, timeout: timeout}, nil
}

func target(socket string) string {
	if filepath.IsAbs(socket) {
		return "unix://" + socket
	}
	return "unix:" + socket
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fmt.Errorf("%s via %s: %w", method, c.socket, err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, MethodPing, &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) Start(ctx context.Context, req StartRequest) (supervisor.Result, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodStart, encodeStartRequest(req), out); err != nil {
		return supervisor.Result{}, err
	}
	return decodeResult(out), nil
}

func (c *Client) Stop(ctx context.Context) (supervisor.Result, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodStop, &emptypb.Empty{}, out); err != nil {
		return supervisor.Result{}, err
	}
	return decodeResult(out), nil
}

func (c *Client) Status(ctx context.Context) (supervisor.Status, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodStatus, &emptypb.Empty{}, out); err != nil {
		return supervisor.Status{}, err
	}
	return decodeStatus(out), nil
}

func (c *Client) TailLogs(ctx context.Context, maxLines int) (string, error) {
	if maxLines > math.MaxInt32 {
		maxLines = math.MaxInt32
	}
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, MethodTailLogs, wrapperspb.Int32(int32(maxLines)), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}
