package httpapi

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

// methods reachable without a bearer token
var publicGRPCPrefixes = []string{
	"/grpc.health.v1.Health/",
	"/grpc.reflection.",
}

// GRPCServer exposes the standard health service and authenticates every
// other call through the gateway.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	gateway   *auth.Gateway
}

// NewGRPCServer creates the gRPC service wrapper. A nil gateway disables
// authentication.
func NewGRPCServer(r readinessChecker, gateway *auth.Gateway) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		gateway:   gateway,
	}
}

// ServerOptions returns the interceptors to install on grpc.NewServer.
func (s *GRPCServer) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.unaryAuth),
		grpc.ChainStreamInterceptor(s.streamAuth),
	}
}

// Register attaches the services to srv and publishes the initial status.
func (s *GRPCServer) Register(ctx context.Context, srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
	s.Refresh(ctx)
}

// Refresh evaluates readiness and publishes it for the overall server and
// the named service.
func (s *GRPCServer) Refresh(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		obs.Logger().WithError(err).Warn("grpc_not_ready")
		st = healthpb.HealthCheckResponse_NOT_SERVING
		obs.SetReady(false)
	} else {
		obs.SetReady(true)
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// Watch refreshes readiness every interval until ctx is done, then marks
// the server as shutting down.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

func (s *GRPCServer) unaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := s.authenticate(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *GRPCServer) streamAuth(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.authenticate(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
}

func (s *GRPCServer) authenticate(ctx context.Context, method string) (context.Context, error) {
	if s.gateway == nil || isPublicMethod(method) {
		return ctx, nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if values := md.Get("authorization"); len(values) > 0 {
		header = values[0]
	}
	token, err := extractBearerToken(header)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated")
	}
	identity, err := s.gateway.Authenticate(ctx, token)
	if err != nil {
		return nil, grpcError(err)
	}
	ctx = auth.ContextWithIdentity(ctx, identity)
	return auth.ContextWithToken(ctx, token), nil
}

func grpcError(err error) error {
	switch auth.KindOf(err) {
	case auth.KindAuthentication:
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case auth.KindAuthorization:
		return status.Error(codes.PermissionDenied, err.Error())
	case auth.KindUnavailable:
		return status.Error(codes.Unavailable, "service unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func isPublicMethod(method string) bool {
	for _, prefix := range publicGRPCPrefixes {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }
