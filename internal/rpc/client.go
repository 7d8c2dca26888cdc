package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/datachat/internal/api"
	"github.com/ashureev/datachat/internal/session"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// ClientConfig holds configuration for the gRPC client.
type ClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// Token is sent as a bearer token on every call when set.
	Token string
	// DialOptions are appended to the defaults; tests use them for bufconn.
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns default configuration for addr.
func DefaultClientConfig(addr string) ClientConfig {
	return ClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client talks to a remote Analyst service.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	logger *slog.Logger
}

// NewClient connects to the Analyst service and waits until the
// connection is ready.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, cfg.DialOptions...)
	if cfg.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerToken(cfg.Token)))
	}

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to analyst at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("analyst at %s not ready: %w", cfg.Address, err)
	}

	logger.Debug("Connected to analyst service", "address", cfg.Address)
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn), logger: logger}, nil
}

type bearerToken string

func (t bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{authorizationKey: "Bearer " + string(t)}, nil
}

// RequireTransportSecurity allows the token over plaintext; the server
// listens on loopback by default.
func (bearerToken) RequireTransportSecurity() bool { return false }

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() {
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

// Health reports whether the Analyst service is serving.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("analyst is %s", resp.GetStatus())
	}
	return nil
}

// NewSession uploads content as fileName and starts a session on table
// ("" when the file holds a single table).
func (c *Client) NewSession(ctx context.Context, userID, fileName string, content []byte, table string) (*session.Handle, error) {
	req, err := structpb.NewStruct(map[string]any{
		"user_id":   userID,
		"file_name": fileName,
		"content":   base64.StdEncoding.EncodeToString(content),
		"table":     table,
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var handle session.Handle
	if err := c.invoke(ctx, newSessionMethod, req, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

// RunTurn asks question in a remote session.
func (c *Client) RunTurn(ctx context.Context, userID, sessionID, question string) (*api.TurnResponse, error) {
	req, err := structpb.NewStruct(map[string]any{
		"user_id":    userID,
		"session_id": sessionID,
		"question":   question,
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var resp api.TurnResponse
	if err := c.invoke(ctx, runTurnMethod, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct, out any) error {
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, reply); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	b, err := protojson.Marshal(reply)
	if err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}
