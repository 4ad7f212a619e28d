// Package grpcengine implements the engine contract against a remote pipeline
// worker exposing the standard gRPC health checking service.
package grpcengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/shepherd/internal/engine"
)

// Config holds gRPC engine settings.
type Config struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{DialTimeout: 10 * time.Second}
}

type handle struct {
	uri    string
	conn   *grpc.ClientConn
	health healthpb.HealthClient

	mu           sync.Mutex
	lastActivity time.Time
}

func (h *handle) URI() string { return h.uri }

// Engine dials one gRPC endpoint per stream URI.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New creates a gRPC-backed engine.
func New(cfg Config) *Engine {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	return &Engine{
		cfg: cfg,
		log: slog.Default().With("component", "grpcengine"),
	}
}

// Connect dials the endpoint and verifies it is serving.
func (e *Engine) Connect(ctx context.Context, uri string) (engine.Handle, error) {
	// Parse endpoint to determine if TLS is needed.
	target := uri
	var opts []grpc.DialOption

	if strings.HasPrefix(uri, "grpcs://") || strings.HasSuffix(uri, ":443") {
		creds := credentials.NewTLS(&tls.Config{})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		target = strings.TrimPrefix(target, "grpcs://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "grpc://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}

	h := &handle{
		uri:          uri,
		conn:         conn,
		health:       healthpb.NewHealthClient(conn),
		lastActivity: time.Now(),
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()

	if _, err := h.health.Check(dialCtx, &healthpb.HealthCheckRequest{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("health check failed for %s: %w", target, err)
	}

	e.log.Debug("Connected stream", "uri", uri)
	return h, nil
}

// Disconnect closes the underlying connection. Idempotent.
func (e *Engine) Disconnect(ctx context.Context, h engine.Handle) error {
	gh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle for %s", h.URI())
	}
	return gh.conn.Close()
}

// ProbeLiveness maps the health checking service onto the liveness contract.
// A SERVING answer refreshes last activity; NOT_SERVING raises the error flag.
func (e *Engine) ProbeLiveness(ctx context.Context, h engine.Handle) (engine.Liveness, error) {
	gh, ok := h.(*handle)
	if !ok {
		return engine.Liveness{}, fmt.Errorf("foreign handle for %s", h.URI())
	}

	resp, err := gh.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return engine.Liveness{}, fmt.Errorf("probe failed for %s: %w", gh.uri, err)
	}

	gh.mu.Lock()
	defer gh.mu.Unlock()

	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		gh.lastActivity = time.Now()
		return engine.Liveness{LastActivity: gh.lastActivity}, nil
	}

	return engine.Liveness{LastActivity: gh.lastActivity, ErrorFlag: true}, nil
}

// Reconnect kicks the connection out of backoff and waits until it leaves
// the transient-failure state, then re-verifies serving status.
func (e *Engine) Reconnect(ctx context.Context, h engine.Handle) error {
	gh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle for %s", h.URI())
	}

	gh.conn.ResetConnectBackoff()
	gh.conn.Connect()

	for {
		state := gh.conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if state == connectivity.Shutdown {
			return fmt.Errorf("connection for %s is shut down", gh.uri)
		}
		if !gh.conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}

	resp, err := gh.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("reconnect check failed for %s: %w", gh.uri, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("endpoint %s not serving after reconnect", gh.uri)
	}

	gh.mu.Lock()
	gh.lastActivity = time.Now()
	gh.mu.Unlock()

	e.log.Debug("Reconnected stream", "uri", gh.uri)
	return nil
}
