package models

import "time"

// Classification is the verdict label.
type Classification string

const (
	ClassificationClean              Classification = "clean"
	ClassificationClientCrashSuspect Classification = "client-crash-suspect"
	ClassificationAvatarCrashSuspect Classification = "avatar-crash-suspect"
)

// RiskTier buckets the indicator count.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Indicator is one matched suspicion signal.
type Indicator struct {
	Source      Source `json:"source"`
	RuleID      string `json:"ruleId"`
	Description string `json:"description"`
}

// Verdict is the sole output of an analysis.
type Verdict struct {
	SubjectID      string         `json:"subjectId"`
	Classification Classification `json:"classification"`
	RiskTier       RiskTier       `json:"riskTier"`
	Indicators     []Indicator    `json:"indicators"`
	Rationale      string         `json:"rationale"`
	ProducedAt     time.Time      `json:"producedAt"`
	Degraded       bool           `json:"degraded"`
}

// Descriptions returns the indicator descriptions in order.
func (v Verdict) Descriptions() []string {
	out := make([]string, 0, len(v.Indicators))
	for _, ind := range v.Indicators {
		out = append(out, ind.Description)
	}
	return out
}
