package engine

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vrcsentinel/sentinel/internal/extractors"
	"github.com/vrcsentinel/sentinel/internal/models"
)

//go:embed default_rules.yaml
var defaultRulePack []byte

// MatchKind selects how a rule inspects evidence.
type MatchKind string

const (
	// MatchLexicon looks for lexicon terms inside normalised text fields.
	MatchLexicon MatchKind = "lexicon"
	// MatchTag compares field values against the pack's system tags.
	MatchTag MatchKind = "tag"
	// MatchThreshold fires when an integer metric exceeds the rule threshold.
	MatchThreshold MatchKind = "threshold"
)

// Rule is a single declarative heuristic.
type Rule struct {
	ID        string    `yaml:"id"`
	Match     MatchKind `yaml:"match"`
	Fields    []string  `yaml:"fields"`
	Metric    string    `yaml:"metric"`
	Threshold int       `yaml:"threshold"`
	Verbatim  bool      `yaml:"verbatim"`
	Indicator string    `yaml:"indicator"`
}

// RulePack is the YAML root structure.
type RulePack struct {
	Lexicon    []string `yaml:"lexicon"`
	SystemTags []string `yaml:"systemTags"`
	User       []Rule   `yaml:"user"`
	Avatar     []Rule   `yaml:"avatar"`
	Activity   []Rule   `yaml:"activity"`
}

// RuleEngine evaluates the ordered rule lists of a pack against evidence. It holds no mutable state.
type RuleEngine struct {
	lexicon    *extractors.Lexicon
	systemTags map[string]struct{}
	rules      map[models.SubjectKind][]Rule
	logger     *slog.Logger
}

// DefaultRulePack returns the embedded rule pack.
func DefaultRulePack() (RulePack, error) {
	return ParseRulePack(defaultRulePack)
}

// ParseRulePack decodes and validates a YAML rule pack. Unknown keys are rejected.
func ParseRulePack(data []byte) (RulePack, error) {
	var pack RulePack
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pack); err != nil {
		return RulePack{}, fmt.Errorf("parse rule pack: %w", err)
	}
	if err := pack.Validate(); err != nil {
		return RulePack{}, err
	}
	return pack, nil
}

// Validate checks every rule is complete for its match kind.
func (p RulePack) Validate() error {
	var errs []error
	seen := make(map[string]struct{})
	lists := []struct {
		subject string
		rules   []Rule
	}{{"user", p.User}, {"avatar", p.Avatar}, {"activity", p.Activity}}
	for _, list := range lists {
		for i, rule := range list.rules {
			where := fmt.Sprintf("%s rule %d (%s)", list.subject, i, rule.ID)
			if rule.ID == "" {
				errs = append(errs, fmt.Errorf("%s: id is required", where))
			} else if _, dup := seen[rule.ID]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate id", where))
			}
			seen[rule.ID] = struct{}{}
			if strings.TrimSpace(rule.Indicator) == "" {
				errs = append(errs, fmt.Errorf("%s: indicator template is required", where))
			}
			switch rule.Match {
			case MatchLexicon, MatchTag:
				if len(rule.Fields) == 0 {
					errs = append(errs, fmt.Errorf("%s: %s rules need fields", where, rule.Match))
				}
			case MatchThreshold:
				if rule.Metric == "" {
					errs = append(errs, fmt.Errorf("%s: threshold rules need a metric", where))
				}
			default:
				errs = append(errs, fmt.Errorf("%s: unknown match kind %q", where, rule.Match))
			}
		}
	}
	return errors.Join(errs...)
}

// NewRuleEngine loads the rule pack at path. An empty path, or a path that does not exist,
// falls back to the embedded default pack.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data := defaultRulePack
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("rule pack not found, using embedded defaults", slog.String("path", path))
		case err != nil:
			return nil, fmt.Errorf("read rule pack: %w", err)
		default:
			data = raw
		}
	}
	pack, err := ParseRulePack(data)
	if err != nil {
		return nil, err
	}
	return NewRuleEngineFromPack(pack, logger), nil
}

// NewRuleEngineFromPack builds an engine from an already validated pack.
func NewRuleEngineFromPack(pack RulePack, logger *slog.Logger) *RuleEngine {
	if logger == nil {
		logger = slog.Default()
	}
	tags := make(map[string]struct{}, len(pack.SystemTags))
	for _, tag := range pack.SystemTags {
		tags[extractors.Normalize(strings.TrimSpace(tag))] = struct{}{}
	}
	return &RuleEngine{
		lexicon:    extractors.NewLexicon(pack.Lexicon),
		systemTags: tags,
		rules: map[models.SubjectKind][]Rule{
			models.SubjectUser:     append([]Rule(nil), pack.User...),
			models.SubjectAvatar:   append([]Rule(nil), pack.Avatar...),
			models.SubjectActivity: append([]Rule(nil), pack.Activity...),
		},
		logger: logger,
	}
}

// Evaluate runs every rule for the evidence's subject kind, in order, and returns the indicators.
func (e *RuleEngine) Evaluate(ev models.Evidence) []models.Indicator {
	if e == nil || ev == nil {
		return nil
	}
	fields := ev.Fields()
	metrics := ev.Metrics()

	var indicators []models.Indicator
	for _, rule := range e.rules[ev.Subject()] {
		var hits []fieldHit
		switch rule.Match {
		case MatchLexicon:
			hits = e.matchFields(rule, fields, e.lexiconHits)
		case MatchTag:
			hits = e.matchFields(rule, fields, e.tagHits)
		case MatchThreshold:
			if value, ok := metrics[rule.Metric]; ok && value > rule.Threshold {
				hits = []fieldHit{{field: rule.Metric, count: value}}
			}
		}
		for _, text := range render(rule, hits) {
			indicators = append(indicators, models.Indicator{Source: ev.Source(), RuleID: rule.ID, Description: text})
		}
	}
	return indicators
}

type fieldHit struct {
	field   string
	matches []string
	indexes map[int]struct{}
	count   int
}

type valueMatcher func(value string) []string

func (e *RuleEngine) lexiconHits(value string) []string { return e.lexicon.Scan(value) }

func (e *RuleEngine) tagHits(value string) []string {
	if _, ok := e.systemTags[extractors.Normalize(strings.TrimSpace(value))]; ok {
		return []string{value}
	}
	return nil
}

func (e *RuleEngine) matchFields(rule Rule, fields map[string][]string, match valueMatcher) []fieldHit {
	var hits []fieldHit
	for _, name := range rule.Fields {
		hit := fieldHit{field: name, indexes: make(map[int]struct{})}
		for i, value := range fields[name] {
			found := match(value)
			if len(found) == 0 {
				continue
			}
			hit.indexes[i] = struct{}{}
			if rule.Verbatim {
				hit.matches = appendUnique(hit.matches, value)
			} else {
				hit.matches = appendUnique(hit.matches, found...)
			}
		}
		if len(hit.indexes) > 0 {
			hit.count = len(hit.indexes)
			hits = append(hits, hit)
		}
	}
	return hits
}

// render expands the indicator template: once per field when it mentions {field}, otherwise once
// for the whole rule with matches merged and {count} set to the number of distinct records hit.
func render(rule Rule, hits []fieldHit) []string {
	if len(hits) == 0 {
		return nil
	}
	if strings.Contains(rule.Indicator, "{field}") {
		out := make([]string, 0, len(hits))
		for _, hit := range hits {
			out = append(out, expand(rule.Indicator, hit.field, hit.matches, hit.count))
		}
		return out
	}

	merged := fieldHit{indexes: make(map[int]struct{})}
	fieldNames := make([]string, 0, len(hits))
	for _, hit := range hits {
		fieldNames = append(fieldNames, hit.field)
		merged.matches = appendUnique(merged.matches, hit.matches...)
		for idx := range hit.indexes {
			merged.indexes[idx] = struct{}{}
		}
		if hit.count > merged.count {
			merged.count = hit.count
		}
	}
	if len(merged.indexes) > 0 {
		merged.count = len(merged.indexes)
	}
	return []string{expand(rule.Indicator, strings.Join(fieldNames, ","), merged.matches, merged.count)}
}

func expand(template, field string, matches []string, count int) string {
	return strings.NewReplacer(
		"{field}", field,
		"{matches}", strings.Join(matches, ", "),
		"{count}", strconv.Itoa(count),
	).Replace(template)
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[item] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
