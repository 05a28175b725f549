package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the admin client used by chatctl.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RunDispatch(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodRunDispatch, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDeadLetters returns up to limit dead-lettered notifications; a
// non-positive limit uses the server default.
func (c *Client) ListDeadLetters(ctx context.Context, limit int) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"limit": float64(limit)})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodListDeadLetters, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
