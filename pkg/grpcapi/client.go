package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/dyntrack/pkg/api"
)

// Client calls DynStateService over a client connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// EventQuery filters GetEvents.
type EventQuery struct {
	Limit    int
	Rule     uint32
	Type     string
	Protocol string
	Action   string
}

func (c *Client) invoke(ctx context.Context, method string, in any, out any) error {
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, reply); err != nil {
		return err
	}
	return fromStruct(reply, out)
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var out StatusReply
	err := c.invoke(ctx, "GetStatus", &emptypb.Empty{}, &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context, q api.SessionQuery) (api.SessionListResponse, error) {
	var out api.SessionListResponse
	req, err := structpb.NewStruct(map[string]any{
		"limit":    q.Limit,
		"offset":   q.Offset,
		"protocol": q.Protocol,
		"rule":     q.Rule,
	})
	if err != nil {
		return out, err
	}
	err = c.invoke(ctx, "ListSessions", req, &out)
	return out, err
}

func (c *Client) Summary(ctx context.Context) (api.SessionSummary, error) {
	var out api.SessionSummary
	err := c.invoke(ctx, "GetSummary", &emptypb.Empty{}, &out)
	return out, err
}

func (c *Client) Rules(ctx context.Context) ([]api.RuleEntry, error) {
	var out RulesResponse
	err := c.invoke(ctx, "ListRules", &emptypb.Empty{}, &out)
	return out.Rules, err
}

func (c *Client) Events(ctx context.Context, q EventQuery) ([]api.EventEntry, error) {
	var out EventsResponse
	req, err := structpb.NewStruct(map[string]any{
		"limit":    q.Limit,
		"rule":     q.Rule,
		"type":     q.Type,
		"protocol": q.Protocol,
		"action":   q.Action,
	})
	if err != nil {
		return nil, err
	}
	err = c.invoke(ctx, "GetEvents", req, &out)
	return out.Events, err
}

// DeleteRule removes rule id and returns the number of entries removed.
func (c *Client) DeleteRule(ctx context.Context, id uint32) (int, error) {
	var out api.ClearResponse
	req, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return 0, err
	}
	err = c.invoke(ctx, "DeleteRule", req, &out)
	return out.Removed, err
}

// Flush empties the table and returns the number of entries removed.
func (c *Client) Flush(ctx context.Context) (int, error) {
	var out api.ClearResponse
	err := c.invoke(ctx, "Flush", &emptypb.Empty{}, &out)
	return out.Removed, err
}

func (c *Client) Sweep(ctx context.Context) (SweepResponse, error) {
	var out SweepResponse
	err := c.invoke(ctx, "Sweep", &emptypb.Empty{}, &out)
	return out, err
}
