package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/vrcsentinel/sentinel/internal/models"
	"github.com/vrcsentinel/sentinel/internal/utils"
)

const maxRationaleIndicators = 5

// Aggregator merges per-source indicators into a Verdict.
type Aggregator struct {
	now func() time.Time
}

// NewAggregator builds an Aggregator; now defaults to time.Now.
func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{now: now}
}

// Aggregate produces the verdict for id. It fails only when both sources failed.
func (a *Aggregator) Aggregate(id models.Identifier, remote, local []models.Indicator, remoteFailed, localFailed bool) (models.Verdict, error) {
	if remoteFailed && localFailed {
		return models.Verdict{}, utils.NewAppError("engine.Aggregate", utils.KindAllSourcesUnavailable, "no evidence source produced a result", nil)
	}

	indicators := make([]models.Indicator, 0, len(remote)+len(local))
	indicators = append(indicators, remote...)
	indicators = append(indicators, local...)

	verdict := models.Verdict{
		SubjectID:      id.Raw,
		Classification: classify(id.Kind, len(indicators)),
		RiskTier:       TierFor(len(indicators)),
		Indicators:     indicators,
		ProducedAt:     a.now().UTC(),
		Degraded:       remoteFailed != localFailed,
	}
	verdict.Rationale = rationale(verdict, remoteFailed, localFailed)
	return verdict, nil
}

// TierFor maps an indicator count onto a risk tier: 0 low, 1-2 medium, 3+ high.
func TierFor(count int) models.RiskTier {
	switch {
	case count <= 0:
		return models.RiskLow
	case count <= 2:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}

func classify(kind models.IdentifierKind, count int) models.Classification {
	if count == 0 {
		return models.ClassificationClean
	}
	if kind == models.IdentifierAvatar {
		return models.ClassificationAvatarCrashSuspect
	}
	return models.ClassificationClientCrashSuspect
}

func rationale(v models.Verdict, remoteFailed, localFailed bool) string {
	var b strings.Builder
	count := len(v.Indicators)
	switch count {
	case 0:
		fmt.Fprintf(&b, "No suspicious indicators matched for %s (risk %s).", v.SubjectID, v.RiskTier)
	default:
		noun := "indicators"
		if count == 1 {
			noun = "indicator"
		}
		listed := v.Descriptions()
		if len(listed) > maxRationaleIndicators {
			listed = listed[:maxRationaleIndicators]
		}
		fmt.Fprintf(&b, "%d suspicious %s matched for %s (risk %s): %s", count, noun, v.SubjectID, v.RiskTier, strings.Join(listed, "; "))
		if extra := count - len(listed); extra > 0 {
			fmt.Fprintf(&b, " and %d more", extra)
		}
		b.WriteString(".")
	}
	switch {
	case remoteFailed && !localFailed:
		b.WriteString(" Degraded: remote profile evidence was unavailable.")
	case localFailed && !remoteFailed:
		b.WriteString(" Degraded: local activity evidence was unavailable.")
	}
	return b.String()
}
