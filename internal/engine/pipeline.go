package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vrcsentinel/sentinel/internal/metrics"
	"github.com/vrcsentinel/sentinel/internal/models"
	"github.com/vrcsentinel/sentinel/internal/traces"
	"github.com/vrcsentinel/sentinel/internal/utils"
)

// RemoteCollector fetches profile and avatar metadata from the VRChat API.
type RemoteCollector interface {
	FetchUser(ctx context.Context, userID string) (models.UserEvidence, error)
	FetchAvatar(ctx context.Context, avatarID string) (models.AvatarEvidence, error)
}

// LocalCollector reads a user's history from the local store.
type LocalCollector interface {
	FetchActivity(ctx context.Context, userID string) (models.LocalActivityEvidence, error)
}

// Analyzer is the single entry point of the analysis core.
type Analyzer struct {
	logger     *slog.Logger
	remote     RemoteCollector
	local      LocalCollector
	rules      *RuleEngine
	aggregator *Aggregator
}

// NewAnalyzer wires the collectors, rule engine and aggregator. A nil collector counts as a
// permanently failed source.
func NewAnalyzer(logger *slog.Logger, remote RemoteCollector, local LocalCollector, rules *RuleEngine, aggregator *Aggregator) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if aggregator == nil {
		aggregator = NewAggregator(nil)
	}
	return &Analyzer{
		logger:     logger,
		remote:     remote,
		local:      local,
		rules:      rules,
		aggregator: aggregator,
	}
}

// Analyze classifies raw and returns a verdict. Abort-level errors are InvalidIdentifier,
// RateLimited, AllSourcesUnavailable and the caller's own context error.
func (a *Analyzer) Analyze(ctx context.Context, raw string) (models.Verdict, error) {
	start := time.Now()
	id, err := models.ParseIdentifier(raw)
	if err != nil {
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeRejected)
		return models.Verdict{}, err
	}

	if utils.AnalysisID(ctx) == "" {
		ctx = utils.WithAnalysisID(ctx, uuid.NewString())
	}
	ctx, span := traces.StartSpan(ctx, "analysis.Analyze", traces.SubjectID(id.Raw), traces.SubjectKind(string(id.Kind)))
	defer span.End()
	logger := utils.L(ctx, a.logger).With(slog.String("subject_id", id.Raw))

	var verdict models.Verdict
	switch id.Kind {
	case models.IdentifierAvatar:
		verdict, err = a.analyzeAvatar(ctx, logger, id)
	default:
		verdict, err = a.analyzeUser(ctx, logger, id)
	}

	duration := time.Since(start)
	if err != nil {
		traces.RecordError(span, err)
		metrics.ObserveAnalysis(duration, metrics.OutcomeError)
		logger.Warn("analysis aborted", slog.Any("error", err), slog.Duration("duration", duration))
		return models.Verdict{}, err
	}

	outcome := metrics.OutcomeSuccess
	if verdict.Degraded {
		outcome = metrics.OutcomeDegraded
	}
	metrics.ObserveAnalysis(duration, outcome)
	logger.Info("analysis complete",
		slog.String("classification", string(verdict.Classification)),
		slog.String("risk_tier", string(verdict.RiskTier)),
		slog.Int("indicators", len(verdict.Indicators)),
		slog.Bool("degraded", verdict.Degraded),
		slog.Duration("duration", duration),
	)
	return verdict, nil
}

func (a *Analyzer) analyzeUser(ctx context.Context, logger *slog.Logger, id models.Identifier) (models.Verdict, error) {
	var (
		profile   models.UserEvidence
		remoteErr error
		activity  models.LocalActivityEvidence
		localErr  error
	)

	// Each branch records its own error; neither cancels the other.
	var group errgroup.Group
	group.Go(func() error {
		spanCtx, span := traces.StartSpan(ctx, "collector.remote.FetchUser", traces.Source(string(models.SourceRemote)))
		defer span.End()
		profile, remoteErr = a.fetchUser(spanCtx, id.Raw)
		traces.RecordError(span, remoteErr)
		return nil
	})
	group.Go(func() error {
		spanCtx, span := traces.StartSpan(ctx, "collector.local.FetchActivity", traces.Source(string(models.SourceLocal)))
		defer span.End()
		activity, localErr = a.fetchActivity(spanCtx, id.Raw)
		if !errors.Is(localErr, utils.ErrNoActivity) {
			traces.RecordError(span, localErr)
		}
		return nil
	})
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return models.Verdict{}, err
	}
	if errors.Is(remoteErr, utils.ErrRateLimited) {
		return models.Verdict{}, remoteErr
	}

	remoteFailed := a.settle(logger, models.SourceRemote, remoteErr)
	localFailed := a.settle(logger, models.SourceLocal, localErr)

	var remoteIndicators, localIndicators []models.Indicator
	if !remoteFailed {
		remoteIndicators = a.rules.Evaluate(profile)
	}
	if !localFailed {
		localIndicators = a.rules.Evaluate(activity)
	}
	return a.aggregator.Aggregate(id, remoteIndicators, localIndicators, remoteFailed, localFailed)
}

// analyzeAvatar has no local source to consult, so a remote failure leaves nothing to aggregate.
func (a *Analyzer) analyzeAvatar(ctx context.Context, logger *slog.Logger, id models.Identifier) (models.Verdict, error) {
	spanCtx, span := traces.StartSpan(ctx, "collector.remote.FetchAvatar", traces.Source(string(models.SourceRemote)))
	avatar, err := a.fetchAvatar(spanCtx, id.Raw)
	traces.RecordError(span, err)
	span.End()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.Verdict{}, ctxErr
	}
	if errors.Is(err, utils.ErrRateLimited) {
		return models.Verdict{}, err
	}
	if a.settle(logger, models.SourceRemote, err) {
		return a.aggregator.Aggregate(id, nil, nil, true, true)
	}
	return a.aggregator.Aggregate(id, a.rules.Evaluate(avatar), nil, false, false)
}

// settle records a collector result and reports whether the source counts as failed.
// NoActivity is an available source that simply had nothing to say.
func (a *Analyzer) settle(logger *slog.Logger, source models.Source, err error) bool {
	kind := string(utils.KindOf(err))
	if err != nil && kind == "" {
		kind = "unknown"
	}
	metrics.ObserveCollector(string(source), kind)

	switch {
	case err == nil:
		return false
	case errors.Is(err, utils.ErrNoActivity):
		logger.Debug("no local activity recorded", slog.String("source", string(source)))
		return false
	default:
		logger.Warn("evidence source unavailable", slog.String("source", string(source)), slog.String("kind", kind), slog.Any("error", err))
		return true
	}
}

func (a *Analyzer) fetchUser(ctx context.Context, userID string) (models.UserEvidence, error) {
	if a.remote == nil {
		return models.UserEvidence{}, utils.NewAppError("engine.fetchUser", utils.KindTransientNetwork, "remote collector not configured", nil)
	}
	return a.remote.FetchUser(ctx, userID)
}

func (a *Analyzer) fetchAvatar(ctx context.Context, avatarID string) (models.AvatarEvidence, error) {
	if a.remote == nil {
		return models.AvatarEvidence{}, utils.NewAppError("engine.fetchAvatar", utils.KindTransientNetwork, "remote collector not configured", nil)
	}
	return a.remote.FetchAvatar(ctx, avatarID)
}

func (a *Analyzer) fetchActivity(ctx context.Context, userID string) (models.LocalActivityEvidence, error) {
	if a.local == nil {
		return models.LocalActivityEvidence{}, utils.NewAppError("engine.fetchActivity", utils.KindStoreUnavailable, "local store not configured", nil)
	}
	return a.local.FetchActivity(ctx, userID)
}
