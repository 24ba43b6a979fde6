package api

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vrcsentinel/sentinel/internal/models"
)

// FromProtoIdentifier extracts the raw identifier from the request.
func FromProtoIdentifier(req *wrapperspb.StringValue) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	raw := strings.TrimSpace(req.GetValue())
	if raw == "" {
		return "", fmt.Errorf("identifier is required")
	}
	return raw, nil
}

// ToProtoVerdict converts a verdict into a Struct whose keys match the verdict's JSON form.
func ToProtoVerdict(v models.Verdict) (*structpb.Struct, error) {
	indicators := make([]any, 0, len(v.Indicators))
	for _, ind := range v.Indicators {
		indicators = append(indicators, map[string]any{
			"source":      string(ind.Source),
			"ruleId":      ind.RuleID,
			"description": ind.Description,
		})
	}

	out, err := structpb.NewStruct(map[string]any{
		"subjectId":      v.SubjectID,
		"classification": string(v.Classification),
		"riskTier":       string(v.RiskTier),
		"indicators":     indicators,
		"rationale":      v.Rationale,
		"producedAt":     v.ProducedAt.UTC().Format(time.RFC3339Nano),
		"degraded":       v.Degraded,
	})
	if err != nil {
		return nil, fmt.Errorf("encode verdict: %w", err)
	}
	return out, nil
}
