// Package admin exposes the controller health over gRPC.
package admin

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/yanet-platform/fabricd/controller/internal/xgrpc"
)

// ServiceName is the health service name reported for the controller.
const ServiceName = "fabricd.Controller"

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// ServerOption is a function that configures the Server.
type ServerOption func(*options)

// WithLog sets the logger for the Server.
func WithLog(log *zap.SugaredLogger) ServerOption {
	return func(o *options) {
		o.Log = log
	}
}

// Server is the admin gRPC server.
type Server struct {
	endpoint string
	server   *grpc.Server
	health   *health.Server
	ready    chan struct{}
	addr     net.Addr
	log      *zap.SugaredLogger
}

// NewServer creates a new admin server listening on the given endpoint.
//
// Both the overall and the controller health start as NOT_SERVING.
func NewServer(endpoint string, options ...ServerOption) *Server {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(xgrpc.AccessLogInterceptor(opts.Log)),
	)
	h := health.NewServer()
	healthpb.RegisterHealthServer(server, h)
	reflection.Register(server)

	m := &Server{
		endpoint: endpoint,
		server:   server,
		health:   h,
		ready:    make(chan struct{}),
		log:      opts.Log,
	}
	m.SetServing(false)

	return m
}

// SetServing updates the reported health.
func (m *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}

	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(ServiceName, status)
}

// Ready is closed once the listener is bound.
func (m *Server) Ready() <-chan struct{} {
	return m.ready
}

// Addr returns the bound listener address. Valid after Ready is closed.
func (m *Server) Addr() net.Addr {
	return m.addr
}

// Run serves the admin API until the context is canceled.
func (m *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize admin gRPC listener: %w", err)
	}

	m.addr = listener.Addr()
	close(m.ready)

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		m.log.Infow("exposing admin gRPC API", zap.Stringer("addr", listener.Addr()))
		return m.server.Serve(listener)
	})

	<-ctx.Done()

	m.log.Infow("stopping admin gRPC API", zap.Stringer("addr", listener.Addr()))
	defer m.log.Infow("stopped admin gRPC API", zap.Stringer("addr", listener.Addr()))

	m.health.Shutdown()
	m.server.GracefulStop()

	return wg.Wait()
}
