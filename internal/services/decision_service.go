package services

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/decision-core/internal/api"
	"github.com/miradorstack/decision-core/internal/engine"
	"github.com/miradorstack/decision-core/internal/models"
	"github.com/miradorstack/decision-core/internal/quota"
	"github.com/miradorstack/decision-core/internal/utils"
)

// RetryAfterTrailer carries the retry delay, in seconds, of a rate-limited call.
const RetryAfterTrailer = "retry-after"

// QuotaResetter clears a caller's quota window.
type QuotaResetter interface {
	Reset(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey) error
}

// DecisionService is the transport-facing facade over the pipeline. It
// implements the gRPC DecisionService and the HTTP api.Decider.
type DecisionService struct {
	logger    *slog.Logger
	pipeline  *engine.Pipeline
	quotas    QuotaResetter
	latencies *utils.LatencyTracker
	served    atomic.Int64
}

// NewDecisionService constructs the decision service facade.
func NewDecisionService(logger *slog.Logger, pipeline *engine.Pipeline, quotas QuotaResetter) *DecisionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionService{
		logger:    logger,
		pipeline:  pipeline,
		quotas:    quotas,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Evaluate runs the pipeline and tracks latency of decided requests.
func (s *DecisionService) Evaluate(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey, req models.DecisionRequest) (engine.Result, error) {
	start := time.Now()
	res, err := s.pipeline.Decide(ctx, identity, service, req)
	if err != nil {
		return res, err
	}
	s.latencies.Observe(time.Since(start))
	if served := s.served.Add(1); served%100 == 0 {
		s.logger.Info("decision latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", s.latencies.Count()))
	}
	return res, nil
}

// ResetCallerQuota clears identity's current window on service.
func (s *DecisionService) ResetCallerQuota(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey) error {
	if s.quotas == nil {
		return errors.New("quota resetter not configured")
	}
	if err := s.quotas.Reset(ctx, identity, service); err != nil {
		return err
	}
	s.logger.Info("quota reset", slog.String("service", string(service)), slog.String("caller", identity.CallerKey(service)))
	return nil
}

// InvalidateDecision drops the cached decision for req.
func (s *DecisionService) InvalidateDecision(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey, req models.DecisionRequest) error {
	return s.pipeline.Invalidate(ctx, identity, service, req)
}

// Decide implements the gRPC Decide method.
func (s *DecisionService) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	call, err := api.FromProtoDecideRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if call.Identity.ClientIP == "" {
		call.Identity.ClientIP = peerIP(ctx)
	}

	res, err := s.Evaluate(ctx, call.Identity, call.Service, call.Request)
	if err != nil {
		var limited *engine.RateLimitedError
		if errors.As(err, &limited) {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(RetryAfterTrailer, strconv.FormatInt(limited.RetryAfterSeconds, 10)))
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit of %d exceeded", limited.Limit)
		}
		return nil, toStatus(err)
	}

	out, err := api.ToProtoDecideResponse(res)
	if err != nil {
		s.logger.Error("encode decision failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode decision")
	}
	return out, nil
}

// ResetQuota implements the gRPC ResetQuota admin method.
func (s *DecisionService) ResetQuota(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	call, err := api.FromProtoDecideRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.ResetCallerQuota(ctx, call.Identity, call.Service); err != nil {
		return nil, toStatus(err)
	}
	return api.ToProtoAck(), nil
}

// Invalidate implements the gRPC Invalidate admin method.
func (s *DecisionService) Invalidate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	call, err := api.FromProtoDecideRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.InvalidateDecision(ctx, call.Identity, call.Service, call.Request); err != nil {
		return nil, toStatus(err)
	}
	return api.ToProtoAck(), nil
}

// LatencyP95 returns the current p95 decision latency.
func (s *DecisionService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

// requireAdmin mirrors the HTTP admin guard using the same caller headers
// carried as gRPC metadata.
func requireAdmin(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	tier, err := models.ParseTier(first(md.Get(api.HeaderCallerTier)))
	if err != nil || tier != models.TierAdmin || first(md.Get(api.HeaderCallerID)) == "" {
		return status.Error(codes.PermissionDenied, "admin caller required")
	}
	return nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, engine.ErrUnknownService), errors.Is(err, quota.ErrUnknownPolicy):
		return status.Error(codes.NotFound, "unknown service")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Unavailable, "decision unavailable")
	}
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
