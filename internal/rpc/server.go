// Package rpc exposes the analysis session over gRPC. Payloads are
// google.protobuf.Struct values carrying the same JSON shapes as the REST
// surface, so no generated stubs are needed.
package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/datachat/internal/api"
	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/identity"
	"github.com/ashureev/datachat/internal/session"
	"github.com/ashureev/datachat/internal/store"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "datachat.v1.Analyst"

const authorizationKey = "authorization"

const (
	newSessionMethod = "/" + ServiceName + "/NewSession"
	runTurnMethod    = "/" + ServiceName + "/RunTurn"
)

// AnalystServer is the server API for the Analyst service.
type AnalystServer interface {
	NewSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RunTurn(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Analyst service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AnalystServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NewSession", Handler: unaryHandler(newSessionMethod, AnalystServer.NewSession)},
		{MethodName: "RunTurn", Handler: unaryHandler(runTurnMethod, AnalystServer.RunTurn)},
	},
	Metadata: "datachat/v1/analyst.proto",
}

func unaryHandler(fullMethod string, call func(AnalystServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AnalystServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AnalystServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Limiter bounds turns per user.
type Limiter interface {
	Allow(key string) bool
}

// Server implements AnalystServer on top of a session.Manager.
type Server struct {
	sessions *session.Manager
	repo     store.Repository
	limiter  Limiter
	maxBytes int64
	logger   *slog.Logger
}

// NewServer creates the Analyst implementation. Uploads larger than
// maxBytes are rejected.
func NewServer(sessions *session.Manager, repo store.Repository, limiter Limiter, maxBytes int64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sessions: sessions, repo: repo, limiter: limiter, maxBytes: maxBytes, logger: logger}
}

// Register installs the Analyst and the standard health service on s.
func Register(s *grpc.Server, srv *Server) *health.Server {
	s.RegisterService(&ServiceDesc, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// NewSession expects user_id, file_name, content (base64) and optionally
// table. It answers with the session handle.
func (s *Server) NewSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	userID := fields["user_id"].GetStringValue()
	name := fields["file_name"].GetStringValue()
	if userID == "" || name == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id and file_name are required")
	}
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	content, err := base64.StdEncoding.DecodeString(fields["content"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "content must be base64")
	}
	if s.maxBytes > 0 && int64(len(content)) > s.maxBytes {
		return nil, status.Errorf(codes.ResourceExhausted, "file exceeds %d bytes", s.maxBytes)
	}

	tables, err := dataset.Load(name, bytes.NewReader(content))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	table, err := dataset.Pick(tables, fields["table"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}

	if err := s.ensureUser(ctx, userID); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	handle, err := s.sessions.NewSession(ctx, userID, table)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return toStruct(handle)
}

// RunTurn expects user_id, session_id and question. It answers with the
// same body as POST /api/sessions/{id}/turns.
func (s *Server) RunTurn(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	userID := fields["user_id"].GetStringValue()
	sessionID := fields["session_id"].GetStringValue()
	question := fields["question"].GetStringValue()
	if userID == "" || sessionID == "" || question == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id, session_id and question are required")
	}
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	if s.limiter != nil && !s.limiter.Allow(userID) {
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}

	turn, err := s.sessions.RunTurn(ctx, userID, sessionID, question, nil)
	if err != nil {
		return nil, turnStatus(err)
	}
	return toStruct(api.NewTurnResponse(turn))
}

// checkUserID keeps gRPC callers out of the browser identity space, so a
// remote NewSession can never close a web user's session.
func checkUserID(userID string) error {
	if identity.IsAnonymousID(userID) {
		return status.Error(codes.PermissionDenied, "user_id is reserved for browser sessions")
	}
	return nil
}

func (s *Server) ensureUser(ctx context.Context, userID string) error {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	now := time.Now()
	if user != nil {
		return s.repo.UpdateLastSeen(ctx, userID, now)
	}
	return s.repo.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   userID,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func turnStatus(err error) error {
	switch {
	case errors.Is(err, session.ErrNoSession):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, session.ErrBusy):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// TokenInterceptor rejects Analyst calls whose "authorization" metadata is
// not "Bearer <token>". Health checks stay open. An empty token disables
// the check.
func TokenInterceptor(token string) grpc.UnaryServerInterceptor {
	want := []byte("Bearer " + token)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		got := md.Get(authorizationKey)
		if len(got) != 1 || subtle.ConstantTimeCompare([]byte(got[0]), want) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid or missing token")
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every unary call with its duration and code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("gRPC call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}
