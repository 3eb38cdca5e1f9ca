// Package grpcapi implements the gRPC API server for dyntrack.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/dyntrack/pkg/api"
	"github.com/psaab/dyntrack/pkg/conntrack"
	"github.com/psaab/dyntrack/pkg/filter"
	"github.com/psaab/dyntrack/pkg/logging"
)

// Config configures the gRPC server.
type Config struct {
	Engine  *filter.Engine
	GC      *conntrack.GC // nil disables Sweep
	Version string
}

// Server implements DynStateServer.
type Server struct {
	engine    *filter.Engine
	gc        *conntrack.GC
	startTime time.Time
	addr      string
	version   string
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		engine:    cfg.Engine,
		gc:        cfg.GC,
		startTime: time.Now(),
		addr:      addr,
		version:   cfg.Version,
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	RegisterDynStateServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

// --- Status RPCs ---

func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(StatusReply{
		StatusResponse: api.BuildStatus(s.engine, s.startTime),
		Version:        s.version,
	})
}

func (s *Server) ListSessions(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(api.BuildSessions(s.engine, api.SessionQuery{
		Limit:    intField(req, "limit"),
		Offset:   intField(req, "offset"),
		Protocol: stringField(req, "protocol"),
		Rule:     uint32(intField(req, "rule")),
	}))
}

func (s *Server) GetSummary(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(api.BuildSummary(s.engine, s.gc))
}

func (s *Server) ListRules(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(RulesResponse{Rules: api.BuildRules(s.engine)})
}

func (s *Server) GetEvents(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	events := api.BuildEvents(s.engine, intField(req, "limit"), logging.EventFilter{
		Rule:     uint32(intField(req, "rule")),
		Type:     stringField(req, "type"),
		Protocol: stringField(req, "protocol"),
		Action:   stringField(req, "action"),
	})
	return toStruct(EventsResponse{Events: events})
}

// --- Mutation RPCs ---

func (s *Server) DeleteRule(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v := req.GetFields()["id"].GetNumberValue()
	if v < 1 || v > math.MaxUint32 || v != math.Trunc(v) {
		return nil, status.Error(codes.InvalidArgument, "invalid rule number")
	}
	id := uint32(v)
	removed, ok := api.DeleteRule(s.engine, id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "rule %d not found", id)
	}
	return toStruct(api.ClearResponse{Removed: removed})
}

func (s *Server) Flush(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(api.ClearResponse{Removed: s.engine.Flush()})
}

func (s *Server) Sweep(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.gc == nil {
		return nil, status.Error(codes.Unavailable, "sweeper not running")
	}
	res := s.gc.SweepNow()
	return toStruct(SweepResponse{
		Reaped:     res.Reaped,
		Entries:    res.Entries,
		Keepalives: len(res.Keepalives),
		Skipped:    res.Skipped,
	})
}

// StatusReply is the GetStatus result.
type StatusReply struct {
	api.StatusResponse
	Version string `json:"version,omitempty"`
}

// RulesResponse is the ListRules result.
type RulesResponse struct {
	Rules []api.RuleEntry `json:"rules"`
}

// EventsResponse is the GetEvents result.
type EventsResponse struct {
	Events []api.EventEntry `json:"events"`
}

// SweepResponse is the Sweep result.
type SweepResponse struct {
	Reaped     int  `json:"reaped"`
	Entries    int  `json:"entries"`
	Keepalives int  `json:"keepalives"`
	Skipped    bool `json:"skipped"`
}
