package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrcsentinel/sentinel/internal/models"
	"github.com/vrcsentinel/sentinel/internal/utils"
)

type fakeRemote struct {
	user        models.UserEvidence
	avatar      models.AvatarEvidence
	err         error
	userCalls   atomic.Int32
	avatarCalls atomic.Int32
	gate        chan struct{}
}

func (f *fakeRemote) FetchUser(ctx context.Context, userID string) (models.UserEvidence, error) {
	f.userCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return models.UserEvidence{}, ctx.Err()
		}
	}
	return f.user, f.err
}

func (f *fakeRemote) FetchAvatar(ctx context.Context, avatarID string) (models.AvatarEvidence, error) {
	f.avatarCalls.Add(1)
	return f.avatar, f.err
}

type fakeLocal struct {
	activity models.LocalActivityEvidence
	err      error
	calls    atomic.Int32
	started  chan struct{}
	once     sync.Once
}

func (f *fakeLocal) FetchActivity(ctx context.Context, userID string) (models.LocalActivityEvidence, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	return f.activity, f.err
}

func newTestAnalyzer(t *testing.T, remote RemoteCollector, local LocalCollector) *Analyzer {
	t.Helper()
	return NewAnalyzer(nil, remote, local, defaultEngine(t), NewAggregator(func() time.Time { return fixedNow }))
}

func storeUnavailable() error {
	return utils.NewAppError("repo.LocalStore.open", utils.KindStoreUnavailable, "database file missing", nil)
}

func TestAnalyzeRejectsInvalidIdentifierBeforeIO(t *testing.T) {
	remote := &fakeRemote{}
	local := &fakeLocal{}
	analyzer := newTestAnalyzer(t, remote, local)

	for _, raw := range []string{"foo_123", "", "   ", "wrld_abc"} {
		_, err := analyzer.Analyze(context.Background(), raw)
		require.Error(t, err)
		assert.ErrorIs(t, err, utils.ErrInvalidIdentifier)
	}
	assert.Zero(t, remote.userCalls.Load())
	assert.Zero(t, remote.avatarCalls.Load())
	assert.Zero(t, local.calls.Load())
}

func TestAnalyzeUserWithUnavailableStoreDegrades(t *testing.T) {
	remote := &fakeRemote{user: models.UserEvidence{DisplayName: "Sunny", Bio: "I love to crash the server lol"}}
	local := &fakeLocal{err: storeUnavailable()}
	analyzer := newTestAnalyzer(t, remote, local)

	verdict, err := analyzer.Analyze(context.Background(), "usr_abc123")
	require.NoError(t, err)

	assert.Equal(t, "usr_abc123", verdict.SubjectID)
	assert.Equal(t, models.ClassificationClientCrashSuspect, verdict.Classification)
	assert.Contains(t, verdict.Descriptions(), "text-flagged: bio")
	assert.True(t, verdict.Degraded)
	assert.Equal(t, models.RiskMedium, verdict.RiskTier)
	assert.Contains(t, verdict.Rationale, "Degraded")
}

func TestAnalyzeAvatarTags(t *testing.T) {
	remote := &fakeRemote{avatar: models.AvatarEvidence{Name: "Fox", Description: "quest friendly", Tags: []string{"cute", "crash", "popular"}}}
	local := &fakeLocal{}
	analyzer := newTestAnalyzer(t, remote, local)

	verdict, err := analyzer.Analyze(context.Background(), "avtr_xyz789")
	require.NoError(t, err)

	assert.Equal(t, []string{"Tags suspects: crash"}, verdict.Descriptions())
	assert.Equal(t, models.RiskMedium, verdict.RiskTier)
	assert.Equal(t, models.ClassificationAvatarCrashSuspect, verdict.Classification)
	assert.False(t, verdict.Degraded)
	assert.Zero(t, local.calls.Load(), "avatars have no local history")
}

func TestAnalyzeCleanEvidence(t *testing.T) {
	remote := &fakeRemote{user: models.UserEvidence{DisplayName: "Sunny", Bio: "hello there"}}
	local := &fakeLocal{activity: models.LocalActivityEvidence{
		RecentLocationVisits: []models.LocationVisit{{Name: "The Great Pug", Description: "social hangout"}},
		RecentVisitCount:     3,
	}}
	verdict, err := newTestAnalyzer(t, remote, local).Analyze(context.Background(), "usr_clean")
	require.NoError(t, err)

	assert.Equal(t, models.ClassificationClean, verdict.Classification)
	assert.Equal(t, models.RiskLow, verdict.RiskTier)
	assert.Empty(t, verdict.Indicators)
	assert.False(t, verdict.Degraded)
}

func TestAnalyzeMergesBothSources(t *testing.T) {
	remote := &fakeRemote{user: models.UserEvidence{Bio: "lag machine", SystemTags: []string{"system_probable_troll"}}}
	local := &fakeLocal{activity: models.LocalActivityEvidence{RecentVisitCount: 80}}
	verdict, err := newTestAnalyzer(t, remote, local).Analyze(context.Background(), "usr_busy")
	require.NoError(t, err)

	assert.Equal(t, []string{"system-flagged", "text-flagged: bio", "excessive-location-churn"}, verdict.Descriptions())
	assert.Equal(t, models.RiskHigh, verdict.RiskTier)
	assert.Equal(t, models.SourceLocal, verdict.Indicators[2].Source)
}

func TestAnalyzeNoActivityIsNotDegraded(t *testing.T) {
	remote := &fakeRemote{user: models.UserEvidence{Bio: "hi"}}
	local := &fakeLocal{err: utils.NewAppError("repo.LocalStore", utils.KindNoActivity, "no rows", nil)}
	verdict, err := newTestAnalyzer(t, remote, local).Analyze(context.Background(), "usr_new")
	require.NoError(t, err)
	assert.False(t, verdict.Degraded)
}

func TestAnalyzeRemoteFailureDegrades(t *testing.T) {
	for _, kind := range []utils.ErrorKind{utils.KindNotFound, utils.KindAuthentication, utils.KindTransientNetwork} {
		remote := &fakeRemote{err: utils.NewAppError("vrchat", kind, "failed", nil)}
		local := &fakeLocal{activity: models.LocalActivityEvidence{
			RecentLocationVisits: []models.LocationVisit{{Name: "Crash Zone"}},
		}}
		verdict, err := newTestAnalyzer(t, remote, local).Analyze(context.Background(), "usr_abc123")
		require.NoError(t, err, kind)
		assert.True(t, verdict.Degraded, kind)
		assert.Equal(t, []string{"suspicious-location-visit(count=1)"}, verdict.Descriptions(), kind)
	}
}

func TestAnalyzeBothSourcesFailed(t *testing.T) {
	remote := &fakeRemote{err: utils.NewAppError("vrchat", utils.KindTransientNetwork, "timeout", nil)}
	local := &fakeLocal{err: storeUnavailable()}
	_, err := newTestAnalyzer(t, remote, local).Analyze(context.Background(), "usr_abc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrAllSourcesUnavailable)

	_, err = newTestAnalyzer(t, remote, local).Analyze(context.Background(), "avtr_abc123")
	assert.ErrorIs(t, err, utils.ErrAllSourcesUnavailable)

	_, err = NewAnalyzer(nil, nil, nil, defaultEngine(t), nil).Analyze(context.Background(), "usr_abc123")
	assert.ErrorIs(t, err, utils.ErrAllSourcesUnavailable)
}

func TestAnalyzeRateLimitedAborts(t *testing.T) {
	remote := &fakeRemote{err: &utils.AppError{Op: "vrchat", Kind: utils.KindRateLimited, Msg: "quota", RetryAfter: time.Minute}}
	local := &fakeLocal{activity: models.LocalActivityEvidence{RecentVisitCount: 1}}

	_, err := newTestAnalyzer(t, remote, local).Analyze(context.Background(), "usr_abc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrRateLimited)
	assert.Equal(t, time.Minute, utils.RetryAfter(err))

	_, err = newTestAnalyzer(t, remote, local).Analyze(context.Background(), "avtr_abc123")
	assert.ErrorIs(t, err, utils.ErrRateLimited)
}

func TestAnalyzeRunsCollectorsConcurrently(t *testing.T) {
	// The remote fetch blocks until the local fetch has started, which only
	// completes if both run at the same time.
	started := make(chan struct{})
	remote := &fakeRemote{user: models.UserEvidence{Bio: "hi"}, gate: started}
	local := &fakeLocal{started: started}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	verdict, err := newTestAnalyzer(t, remote, local).Analyze(ctx, "usr_abc123")
	require.NoError(t, err)
	assert.False(t, verdict.Degraded)
}

func TestAnalyzeHonoursCallerCancellation(t *testing.T) {
	remote := &fakeRemote{gate: make(chan struct{})}
	local := &fakeLocal{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newTestAnalyzer(t, remote, local).Analyze(ctx, "usr_abc123")
	assert.ErrorIs(t, err, context.Canceled)
}
