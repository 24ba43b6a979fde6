package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vrcsentinel/sentinel/internal/models"
	"github.com/vrcsentinel/sentinel/internal/utils"
)

type analyzerStub struct {
	verdict models.Verdict
	err     error
	raw     string
}

func (a *analyzerStub) Analyze(ctx context.Context, raw string) (models.Verdict, error) {
	a.raw = raw
	return a.verdict, a.err
}

func TestAnalyzeReturnsVerdictStruct(t *testing.T) {
	stub := &analyzerStub{verdict: models.Verdict{
		SubjectID:      "avtr_xyz789",
		Classification: models.ClassificationAvatarCrashSuspect,
		RiskTier:       models.RiskMedium,
		Indicators:     []models.Indicator{{Source: models.SourceRemote, RuleID: "avatar-tags", Description: "Tags suspects: crash"}},
		Rationale:      "1 suspicious indicator(s) matched",
		ProducedAt:     time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	}}
	service := NewAnalysisService(nil, stub)

	out, err := service.Analyze(context.Background(), wrapperspb.String(" avtr_xyz789 "))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.raw != "avtr_xyz789" {
		t.Fatalf("unexpected raw identifier %q", stub.raw)
	}
	fields := out.GetFields()
	if fields["classification"].GetStringValue() != "avatar-crash-suspect" || fields["riskTier"].GetStringValue() != "medium" {
		t.Fatalf("unexpected verdict: %v", out)
	}
	indicators := fields["indicators"].GetListValue().GetValues()
	if len(indicators) != 1 || indicators[0].GetStructValue().GetFields()["description"].GetStringValue() != "Tags suspects: crash" {
		t.Fatalf("unexpected indicators: %v", indicators)
	}
	if fields["producedAt"].GetStringValue() != "2026-10-18T12:00:00Z" {
		t.Fatalf("unexpected timestamp: %v", fields["producedAt"])
	}
}

func TestAnalyzeMapsErrorsToStatus(t *testing.T) {
	cases := map[string]struct {
		err  error
		code codes.Code
	}{
		"invalid":     {utils.NewAppError("models.ParseIdentifier", utils.KindInvalidIdentifier, "bad", nil), codes.InvalidArgument},
		"rate":        {&utils.AppError{Op: "vrchat", Kind: utils.KindRateLimited, Msg: "429", RetryAfter: 30 * time.Second}, codes.ResourceExhausted},
		"unavailable": {utils.NewAppError("engine.Aggregate", utils.KindAllSourcesUnavailable, "none", nil), codes.Unavailable},
		"cancelled":   {context.Canceled, codes.Canceled},
		"deadline":    {context.DeadlineExceeded, codes.DeadlineExceeded},
		"other":       {errors.New("boom"), codes.Internal},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			service := NewAnalysisService(nil, &analyzerStub{err: tc.err})
			_, err := service.Analyze(context.Background(), wrapperspb.String("usr_abc123"))
			if status.Code(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestAnalyzeRateLimitCarriesRetryHint(t *testing.T) {
	service := NewAnalysisService(nil, &analyzerStub{err: &utils.AppError{Kind: utils.KindRateLimited, RetryAfter: 30 * time.Second}})
	_, err := service.Analyze(context.Background(), wrapperspb.String("usr_abc123"))
	if !strings.Contains(status.Convert(err).Message(), "retry after 30s") {
		t.Fatalf("expected retry hint, got %v", err)
	}
}

func TestAnalyzeRejectsEmptyRequest(t *testing.T) {
	stub := &analyzerStub{}
	service := NewAnalysisService(nil, stub)

	for _, req := range []*wrapperspb.StringValue{nil, wrapperspb.String("  ")} {
		_, err := service.Analyze(context.Background(), req)
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("expected invalid argument, got %v", err)
		}
	}
	if stub.raw != "" {
		t.Fatalf("analyzer should not be called")
	}
}

func TestAnalyzeWithoutAnalyzer(t *testing.T) {
	_, err := NewAnalysisService(nil, nil).Analyze(context.Background(), wrapperspb.String("usr_abc123"))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}
