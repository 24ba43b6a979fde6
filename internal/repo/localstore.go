package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/vrcsentinel/sentinel/internal/models"
	"github.com/vrcsentinel/sentinel/internal/utils"
)

// MaxRecentVisits caps the visit rows read per analysis.
const MaxRecentVisits = 50

var tablePrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// LocalStoreConfig locates the history database written by the desktop client.
type LocalStoreConfig struct {
	Path        string
	TablePrefix string
	MaxVisits   int
	ChurnWindow time.Duration
	BusyTimeout time.Duration
}

// OpenFunc opens a database handle for dsn.
type OpenFunc func(ctx context.Context, dsn string) (*sql.DB, error)

// LocalStore reads a user's recorded activity from the local SQLite history. The file is opened
// read-only for the duration of one call.
type LocalStore struct {
	cfg    LocalStoreConfig
	open   OpenFunc
	logger *slog.Logger
	now    func() time.Time

	snapshotQuery string
	visitsQuery   string
	churnQuery    string
}

// NewLocalStore validates cfg and prepares the queries. A nil open uses the modernc SQLite driver.
func NewLocalStore(cfg LocalStoreConfig, open OpenFunc, logger *slog.Logger) (*LocalStore, error) {
	if !tablePrefixPattern.MatchString(cfg.TablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", cfg.TablePrefix)
	}
	if cfg.MaxVisits <= 0 || cfg.MaxVisits > MaxRecentVisits {
		cfg.MaxVisits = MaxRecentVisits
	}
	if cfg.ChurnWindow <= 0 {
		cfg.ChurnWindow = 24 * time.Hour
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 2 * time.Second
	}
	if open == nil {
		open = openSQLite
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := cfg.TablePrefix
	// Timestamps are compared through julianday so "2006-01-02 15:04:05" and RFC3339 rows order
	// together.
	return &LocalStore{
		cfg:    cfg,
		open:   open,
		logger: logger,
		now:    time.Now,
		snapshotQuery: fmt.Sprintf(`SELECT display_name, bio, status, status_description, tags, captured_at
FROM %suser_snapshots WHERE user_id = ? ORDER BY julianday(captured_at) DESC LIMIT 1`, p),
		visitsQuery: fmt.Sprintf(`SELECT v.location_id, COALESCE(m.name, ''), COALESCE(m.description, ''), v.visited_at
FROM %slocation_visits v LEFT JOIN %slocation_metadata m ON m.location_id = v.location_id
WHERE v.user_id = ? ORDER BY julianday(v.visited_at) DESC LIMIT ?`, p, p),
		churnQuery: fmt.Sprintf(`SELECT COUNT(*) FROM %slocation_visits WHERE user_id = ? AND julianday(visited_at) >= julianday(?)`, p),
	}, nil
}

// FetchActivity returns the latest profile snapshot and recent location visits of userID. When
// nothing is recorded it returns the empty evidence together with a NoActivity error.
func (s *LocalStore) FetchActivity(ctx context.Context, userID string) (models.LocalActivityEvidence, error) {
	const op = "repo.LocalStore.FetchActivity"
	if s == nil || s.cfg.Path == "" {
		return models.LocalActivityEvidence{}, utils.NewAppError(op, utils.KindStoreUnavailable, "local store path not configured", nil)
	}
	if _, err := os.Stat(s.cfg.Path); err != nil {
		return models.LocalActivityEvidence{}, utils.NewAppError(op, utils.KindStoreUnavailable, "local store not readable", err)
	}

	db, err := s.open(ctx, s.dsn())
	if err != nil {
		return models.LocalActivityEvidence{}, s.storeError(ctx, op, "open local store", err)
	}
	defer db.Close()

	snapshot, err := s.latestSnapshot(ctx, db, userID)
	if err != nil {
		return models.LocalActivityEvidence{}, s.storeError(ctx, op, "query profile snapshot", err)
	}
	visits, err := s.recentVisits(ctx, db, userID)
	if err != nil {
		return models.LocalActivityEvidence{}, s.storeError(ctx, op, "query location visits", err)
	}

	evidence := models.LocalActivityEvidence{
		RecentLocationVisits: visits,
		SnapshotProfile:      snapshot,
	}
	if evidence.Empty() {
		return evidence, utils.NewAppError(op, utils.KindNoActivity, "no recorded activity for "+userID, nil)
	}

	since := s.now().Add(-s.cfg.ChurnWindow).UTC().Format(time.RFC3339)
	if err := db.QueryRowContext(ctx, s.churnQuery, userID, since).Scan(&evidence.RecentVisitCount); err != nil {
		return models.LocalActivityEvidence{}, s.storeError(ctx, op, "count recent visits", err)
	}
	return evidence, nil
}

func (s *LocalStore) latestSnapshot(ctx context.Context, db *sql.DB, userID string) (*models.ProfileSnapshot, error) {
	var displayName, bio, status, statusDescription, tags, capturedAt sql.NullString
	err := db.QueryRowContext(ctx, s.snapshotQuery, userID).Scan(&displayName, &bio, &status, &statusDescription, &tags, &capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.ProfileSnapshot{
		DisplayName:       displayName.String,
		Bio:               bio.String,
		Status:            status.String,
		StatusDescription: statusDescription.String,
		Tags:              decodeTags(tags.String),
		CapturedAt:        s.parseTime(ctx, "captured_at", capturedAt.String),
	}, nil
}

func (s *LocalStore) recentVisits(ctx context.Context, db *sql.DB, userID string) ([]models.LocationVisit, error) {
	rows, err := db.QueryContext(ctx, s.visitsQuery, userID, s.cfg.MaxVisits)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []models.LocationVisit
	for rows.Next() {
		var (
			visit     models.LocationVisit
			visitedAt sql.NullString
		)
		if err := rows.Scan(&visit.LocationID, &visit.Name, &visit.Description, &visitedAt); err != nil {
			return nil, err
		}
		visit.VisitedAt = s.parseTime(ctx, "visited_at", visitedAt.String)
		visits = append(visits, visit)
	}
	return visits, rows.Err()
}

// dsn builds a read-only SQLite URI; the path is percent-encoded so '?', '#' and '%' survive.
func (s *LocalStore) dsn() string {
	p := s.cfg.Path
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "query_only(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()))
	u := url.URL{Scheme: "file", Path: p, RawQuery: q.Encode()}
	return u.String()
}

// storeError reports caller cancellation as is and everything else as StoreUnavailable.
func (s *LocalStore) storeError(ctx context.Context, op, msg string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return utils.NewAppError(op, utils.KindStoreUnavailable, msg, err)
}

func (s *LocalStore) parseTime(ctx context.Context, column, value string) time.Time {
	t, err := utils.ParseAPITime(value)
	if err != nil {
		utils.L(ctx, s.logger).Debug("ignoring unparseable timestamp", slog.String("column", column), slog.Any("error", err))
	}
	return t
}

func openSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// decodeTags accepts either a JSON array or a comma separated list.
func decodeTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err == nil {
			return tags
		}
	}
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
