package repo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vrcsentinel/sentinel/internal/cache"
	"github.com/vrcsentinel/sentinel/internal/metrics"
	"github.com/vrcsentinel/sentinel/internal/models"
	"github.com/vrcsentinel/sentinel/internal/utils"
)

const maxBodyBytes = 1 << 20

// VRChatConfig holds the API endpoints and client-side pacing.
type VRChatConfig struct {
	BaseURL    string
	UserPath   string
	AvatarPath string
	UserAgent  string
	Timeout    time.Duration
	// RequestsPerSecond <= 0 disables pacing.
	RequestsPerSecond float64
	Burst             int
	// EvidenceTTL <= 0 disables the response cache.
	EvidenceTTL time.Duration
}

// VRChatClient fetches user profiles and avatar metadata from the VRChat web API.
type VRChatClient struct {
	cfg        VRChatConfig
	sessions   *SessionManager
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      cache.Provider
	logger     *slog.Logger
}

// NewVRChatClient constructs a client that authenticates through sessions.
func NewVRChatClient(cfg VRChatConfig, sessions *SessionManager, httpClient *http.Client, cacheProvider cache.Provider, logger *slog.Logger) *VRChatClient {
	if cfg.UserPath == "" {
		cfg.UserPath = "/users"
	}
	if cfg.AvatarPath == "" {
		cfg.AvatarPath = "/avatars"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}

	return &VRChatClient{
		cfg:        cfg,
		sessions:   sessions,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		cache:      cacheProvider,
		logger:     logger,
	}
}

// FetchUser retrieves the public profile of userID.
func (c *VRChatClient) FetchUser(ctx context.Context, userID string) (models.UserEvidence, error) {
	data, err := c.fetch(ctx, "user", c.cfg.UserPath, userID)
	if err != nil {
		return models.UserEvidence{}, err
	}

	var payload struct {
		DisplayName       string   `json:"displayName"`
		Bio               string   `json:"bio"`
		Status            string   `json:"status"`
		StatusDescription string   `json:"statusDescription"`
		Tags              []string `json:"tags"`
		LastLogin         string   `json:"last_login"`
		DateJoined        string   `json:"date_joined"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.forget(ctx, cacheEvidenceKey("user", userID))
		return models.UserEvidence{}, utils.NewAppError("repo.VRChatClient.FetchUser", utils.KindTransientNetwork, "decode user response", err)
	}

	return models.UserEvidence{
		DisplayName:       payload.DisplayName,
		Bio:               payload.Bio,
		Status:            payload.Status,
		StatusDescription: payload.StatusDescription,
		SystemTags:        payload.Tags,
		LastLogin:         c.parseTime(ctx, "last_login", payload.LastLogin),
		DateJoined:        c.parseTime(ctx, "date_joined", payload.DateJoined),
	}, nil
}

// FetchAvatar retrieves the metadata of avatarID.
func (c *VRChatClient) FetchAvatar(ctx context.Context, avatarID string) (models.AvatarEvidence, error) {
	data, err := c.fetch(ctx, "avatar", c.cfg.AvatarPath, avatarID)
	if err != nil {
		return models.AvatarEvidence{}, err
	}

	var payload struct {
		Name          string   `json:"name"`
		Description   string   `json:"description"`
		AuthorID      string   `json:"authorId"`
		AuthorName    string   `json:"authorName"`
		Tags          []string `json:"tags"`
		Version       int      `json:"version"`
		ReleaseStatus string   `json:"releaseStatus"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.forget(ctx, cacheEvidenceKey("avatar", avatarID))
		return models.AvatarEvidence{}, utils.NewAppError("repo.VRChatClient.FetchAvatar", utils.KindTransientNetwork, "decode avatar response", err)
	}

	return models.AvatarEvidence{
		Name:          payload.Name,
		Description:   payload.Description,
		AuthorID:      payload.AuthorID,
		AuthorName:    payload.AuthorName,
		Tags:          payload.Tags,
		Version:       payload.Version,
		ReleaseStatus: payload.ReleaseStatus,
	}, nil
}

// fetch returns the raw body of GET {base}{resource}/{id}. A rejected session is replaced and the
// request retried exactly once.
func (c *VRChatClient) fetch(ctx context.Context, kind, resource, id string) ([]byte, error) {
	op := "repo.VRChatClient.fetch"
	if c == nil || c.sessions == nil {
		return nil, utils.NewAppError(op, utils.KindTransientNetwork, "vrchat client not initialised", nil)
	}
	if c.cfg.BaseURL == "" {
		return nil, utils.NewAppError(op, utils.KindTransientNetwork, "vrchat base URL not configured", nil)
	}

	key := cacheEvidenceKey(kind, id)
	if data, ok := c.cached(ctx, key); ok {
		return data, nil
	}

	endpoint := resolveURL(c.cfg.BaseURL, path.Join(resource, id))

	session, err := c.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	data, err := c.get(ctx, endpoint, session)
	if errors.Is(err, utils.ErrAuthentication) {
		utils.L(ctx, c.logger).Info("vrchat session rejected, logging in again", slog.String("resource", kind))
		c.sessions.Invalidate(session)
		if session, err = c.sessions.Acquire(ctx); err != nil {
			return nil, err
		}
		data, err = c.get(ctx, endpoint, session)
	}
	if errors.Is(err, utils.ErrNotFound) {
		// another instance may have cached the subject before it was removed
		c.forget(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	if c.cfg.EvidenceTTL > 0 {
		if err := c.cache.Set(ctx, key, data, c.cfg.EvidenceTTL); err != nil {
			utils.L(ctx, c.logger).Debug("evidence cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return data, nil
}

func (c *VRChatClient) cached(ctx context.Context, key string) ([]byte, bool) {
	if c.cfg.EvidenceTTL <= 0 {
		return nil, false
	}
	data, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		metrics.ObserveEvidenceCache("hit")
		return data, true
	case errors.Is(err, cache.ErrCacheMiss):
		metrics.ObserveEvidenceCache("miss")
	default:
		metrics.ObserveEvidenceCache("error")
		utils.L(ctx, c.logger).Debug("evidence cache read failed", slog.String("key", key), slog.Any("error", err))
	}
	return nil, false
}

// forget drops a cached response that must not be served again.
func (c *VRChatClient) forget(ctx context.Context, key string) {
	if c.cfg.EvidenceTTL <= 0 {
		return
	}
	if err := c.cache.Del(ctx, key); err != nil {
		utils.L(ctx, c.logger).Debug("evidence cache delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (c *VRChatClient) get(ctx context.Context, endpoint string, session Session) ([]byte, error) {
	const op = "repo.VRChatClient.get"
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, utils.NewAppError(op, utils.KindTransientNetwork, "request pacing would exceed deadline", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, utils.NewAppError(op, utils.KindTransientNetwork, "build request", err)
	}
	req.AddCookie(&http.Cookie{Name: authCookieName, Value: session.token})
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if err := statusError(op, resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(ctx, op, err)
	}
	return data, nil
}

func (c *VRChatClient) parseTime(ctx context.Context, field, value string) time.Time {
	t, err := utils.ParseAPITime(value)
	if err != nil {
		utils.L(ctx, c.logger).Debug("ignoring unparseable timestamp", slog.String("field", field), slog.Any("error", err))
	}
	return t
}

func cacheEvidenceKey(kind, id string) string {
	return "vrc-sentinel:evidence:" + kind + ":" + id
}

// statusError maps a non-200 response onto the error taxonomy.
func statusError(op string, resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return utils.NewAppError(op, utils.KindAuthentication, "vrchat rejected the session: "+resp.Status, nil)
	case code == http.StatusNotFound:
		return utils.NewAppError(op, utils.KindNotFound, "vrchat returned "+resp.Status, nil)
	case code == http.StatusTooManyRequests:
		return &utils.AppError{
			Op:         op,
			Kind:       utils.KindRateLimited,
			Msg:        "vrchat returned " + resp.Status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	default:
		return utils.NewAppError(op, utils.KindTransientNetwork, "vrchat returned "+resp.Status, nil)
	}
}

// transportError classifies a failed round trip. Caller cancellation is returned as is.
func transportError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return utils.NewAppError(op, utils.KindTransientNetwork, "vrchat request failed", err)
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func resolveURL(baseURL, p string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

