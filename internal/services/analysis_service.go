package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vrcsentinel/sentinel/internal/api"
	"github.com/vrcsentinel/sentinel/internal/models"
	"github.com/vrcsentinel/sentinel/internal/utils"
)

// VerdictAnalyzer produces a verdict for a raw identifier.
type VerdictAnalyzer interface {
	Analyze(ctx context.Context, raw string) (models.Verdict, error)
}

// AnalysisService implements the gRPC Analyzer service.
type AnalysisService struct {
	logger    *slog.Logger
	analyzer  VerdictAnalyzer
	latencies *utils.LatencyTracker
}

var _ api.AnalyzerServer = (*AnalysisService)(nil)

// NewAnalysisService constructs the service facade.
func NewAnalysisService(logger *slog.Logger, analyzer VerdictAnalyzer) *AnalysisService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisService{
		logger:    logger,
		analyzer:  analyzer,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Analyze runs one analysis and maps abort-level failures onto gRPC status codes.
func (s *AnalysisService) Analyze(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.analyzer == nil {
		return nil, status.Error(codes.FailedPrecondition, "analyzer not configured")
	}
	raw, err := api.FromProtoIdentifier(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx = utils.WithLogger(ctx, s.logger)
	start := time.Now()
	verdict, err := s.analyzer.Analyze(ctx, raw)
	duration := time.Since(start)
	if err != nil {
		return nil, s.toStatus(err)
	}

	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		p95 := s.latencies.Percentile(95)
		s.logger.Info("analysis latency", slog.Duration("p95", p95), slog.Int("samples", count))
	}

	out, err := api.ToProtoVerdict(verdict)
	if err != nil {
		s.logger.Error("verdict encoding failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode verdict")
	}
	return out, nil
}

// LatencyP95 returns the current p95 analysis latency.
func (s *AnalysisService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *AnalysisService) toStatus(err error) error {
	switch {
	case errors.Is(err, utils.ErrInvalidIdentifier):
		return status.Error(codes.InvalidArgument, "identifier is not a user or avatar id")
	case errors.Is(err, utils.ErrRateLimited):
		msg := "upstream rate limit reached"
		if wait := utils.RetryAfter(err); wait > 0 {
			msg = fmt.Sprintf("%s, retry after %s", msg, wait)
		}
		return status.Error(codes.ResourceExhausted, msg)
	case errors.Is(err, utils.ErrAllSourcesUnavailable):
		return status.Error(codes.Unavailable, "no evidence source is available")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "analysis cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "analysis deadline exceeded")
	default:
		s.logger.Error("analysis failed", slog.Any("error", err))
		return status.Error(codes.Internal, "analysis failed")
	}
}
