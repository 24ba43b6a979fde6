package repo

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vrcsentinel/sentinel/internal/metrics"
	"github.com/vrcsentinel/sentinel/internal/utils"
)

const authCookieName = "auth"

// Session is an authenticated VRChat session. The token never leaves this package.
type Session struct {
	token      string
	generation uint64
	ObtainedAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the session can still be presented at now.
func (s Session) Valid(now time.Time) bool {
	return s.token != "" && now.Before(s.ExpiresAt)
}

// SessionConfig holds the login endpoint and credentials.
type SessionConfig struct {
	BaseURL   string
	LoginPath string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
	// TTL bounds sessions whose cookie carries no expiry of its own.
	TTL time.Duration
}

// SessionManager owns the process-wide VRChat session. Concurrent callers share one login.
type SessionManager struct {
	cfg        SessionConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	current    *Session
	generation uint64

	flight singleflight.Group
}

// NewSessionManager constructs a manager. A nil httpClient gets one bounded by cfg.Timeout.
func NewSessionManager(cfg SessionConfig, httpClient *http.Client, logger *slog.Logger) *SessionManager {
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/auth/user"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Acquire returns the cached session while it is valid and logs in otherwise. The login is shared
// by every concurrent caller and is not cancelled when one of them gives up; each caller stops
// waiting when its own ctx ends.
func (m *SessionManager) Acquire(ctx context.Context) (Session, error) {
	if session, ok := m.cached(); ok {
		return session, nil
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	detached := context.WithoutCancel(ctx)
	ch := m.flight.DoChan("login", func() (any, error) {
		if session, ok := m.cached(); ok {
			return session, nil
		}
		loginCtx, cancel := context.WithTimeout(detached, m.cfg.Timeout)
		defer cancel()

		session, err := m.login(loginCtx)
		metrics.ObserveLogin(string(utils.KindOf(err)))
		if err != nil {
			utils.L(detached, m.logger).Warn("vrchat login failed", slog.Any("error", err))
			return Session{}, err
		}
		m.store(&session)
		utils.L(detached, m.logger).Info("vrchat session established", slog.Time("expires_at", session.ExpiresAt))
		return session, nil
	})

	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

// Invalidate drops stale from the cache. A session obtained after stale is left alone.
func (m *SessionManager) Invalidate(stale Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.generation == stale.generation {
		m.current = nil
	}
}

func (m *SessionManager) cached() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.current.Valid(m.now()) {
		return Session{}, false
	}
	return *m.current, true
}

func (m *SessionManager) store(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	session.generation = m.generation
	m.current = session
}

func (m *SessionManager) login(ctx context.Context) (Session, error) {
	const op = "repo.SessionManager.login"
	if m.cfg.BaseURL == "" {
		return Session{}, utils.NewAppError(op, utils.KindAuthentication, "vrchat base URL not configured", nil)
	}
	if m.cfg.Username == "" || m.cfg.Password == "" {
		return Session{}, utils.NewAppError(op, utils.KindAuthentication, "vrchat credentials not configured", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolveURL(m.cfg.BaseURL, m.cfg.LoginPath), nil)
	if err != nil {
		return Session{}, utils.NewAppError(op, utils.KindTransientNetwork, "build login request", err)
	}
	req.SetBasicAuth(url.QueryEscape(m.cfg.Username), url.QueryEscape(m.cfg.Password))
	req.Header.Set("User-Agent", m.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Session{}, transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if err := statusError(op, resp); err != nil {
		return Session{}, err
	}

	var body struct {
		RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Session{}, transportError(ctx, op, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			return Session{}, utils.NewAppError(op, utils.KindTransientNetwork, "decode login response", err)
		}
	}
	if len(body.RequiresTwoFactorAuth) > 0 {
		return Session{}, utils.NewAppError(op, utils.KindAuthentication,
			"account requires two-factor authentication ("+strings.Join(body.RequiresTwoFactorAuth, ", ")+")", nil)
	}

	now := m.now()
	for _, cookie := range resp.Cookies() {
		if cookie.Name != authCookieName || cookie.Value == "" {
			continue
		}
		return Session{token: cookie.Value, ObtainedAt: now, ExpiresAt: m.expiry(now, cookie)}, nil
	}
	return Session{}, utils.NewAppError(op, utils.KindAuthentication, "login response carried no auth cookie", nil)
}

func (m *SessionManager) expiry(now time.Time, cookie *http.Cookie) time.Time {
	switch {
	case cookie.MaxAge > 0:
		return now.Add(time.Duration(cookie.MaxAge) * time.Second)
	case !cookie.Expires.IsZero() && cookie.Expires.After(now):
		return cookie.Expires
	default:
		return now.Add(m.cfg.TTL)
	}
}
