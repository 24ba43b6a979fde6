package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrcsentinel/sentinel/internal/utils"
)

var storeNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

const historySchema = `
CREATE TABLE %[1]suser_snapshots (user_id TEXT, display_name TEXT, bio TEXT, status TEXT, status_description TEXT, tags TEXT, captured_at TEXT);
CREATE TABLE %[1]slocation_visits (user_id TEXT, location_id TEXT, visited_at TEXT);
CREATE TABLE %[1]slocation_metadata (location_id TEXT PRIMARY KEY, name TEXT, description TEXT);
`

// newHistoryDB writes a history database the way the desktop client lays it out.
func newHistoryDB(t *testing.T, prefix string, seed func(*sql.DB)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.sqlite3")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(fmt.Sprintf(historySchema, prefix))
	require.NoError(t, err)
	if seed != nil {
		seed(db)
	}
	return path
}

func newTestStore(t *testing.T, cfg LocalStoreConfig, open OpenFunc) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(cfg, open, nil)
	require.NoError(t, err)
	store.now = func() time.Time { return storeNow }
	return store
}

func visitAt(ago time.Duration) string {
	return storeNow.Add(-ago).Format(time.RFC3339)
}

func TestFetchActivityReadsHistory(t *testing.T) {
	path := newHistoryDB(t, "", func(db *sql.DB) {
		mustExec(t, db, `INSERT INTO user_snapshots VALUES ('usr_abc123', 'Sunny', 'old bio', 'active', 'hi', '["system_trust_basic","language_eng"]', ?)`, visitAt(72*time.Hour))
		mustExec(t, db, `INSERT INTO user_snapshots VALUES ('usr_abc123', 'Sunny', 'new bio', 'busy', 'afk', 'system_trust_known', ?)`, visitAt(time.Hour))
		mustExec(t, db, `INSERT INTO location_metadata VALUES ('wrld_1', 'Crash Zone', 'test your client'), ('wrld_2', 'The Great Pug', 'social')`)
		mustExec(t, db, `INSERT INTO location_visits VALUES ('usr_abc123', 'wrld_1', ?), ('usr_abc123', 'wrld_2', ?), ('usr_abc123', 'wrld_9', ?), ('usr_other', 'wrld_1', ?)`,
			visitAt(30*time.Minute), visitAt(2*time.Hour), visitAt(48*time.Hour), visitAt(time.Minute))
	})
	store := newTestStore(t, LocalStoreConfig{Path: path}, nil)

	evidence, err := store.FetchActivity(context.Background(), "usr_abc123")
	require.NoError(t, err)

	require.NotNil(t, evidence.SnapshotProfile)
	assert.Equal(t, "new bio", evidence.SnapshotProfile.Bio)
	assert.Equal(t, "afk", evidence.SnapshotProfile.StatusDescription)
	assert.Equal(t, []string{"system_trust_known"}, evidence.SnapshotProfile.Tags)
	assert.True(t, evidence.SnapshotProfile.CapturedAt.Equal(storeNow.Add(-time.Hour)))

	require.Len(t, evidence.RecentLocationVisits, 3)
	assert.Equal(t, "Crash Zone", evidence.RecentLocationVisits[0].Name)
	assert.Equal(t, "The Great Pug", evidence.RecentLocationVisits[1].Name)
	assert.Equal(t, "wrld_9", evidence.RecentLocationVisits[2].LocationID)
	assert.Empty(t, evidence.RecentLocationVisits[2].Name, "visits without metadata keep empty text")
	assert.Equal(t, 2, evidence.RecentVisitCount, "only visits inside the churn window count")
}

func TestFetchActivityCapsVisitRows(t *testing.T) {
	path := newHistoryDB(t, "vrcx_", func(db *sql.DB) {
		for i := 0; i < 60; i++ {
			mustExec(t, db, `INSERT INTO vrcx_location_visits VALUES ('usr_busy', ?, ?)`, fmt.Sprintf("wrld_%d", i), visitAt(time.Duration(i)*time.Minute))
		}
	})
	store := newTestStore(t, LocalStoreConfig{Path: path, TablePrefix: "vrcx_", MaxVisits: 500}, nil)

	evidence, err := store.FetchActivity(context.Background(), "usr_busy")
	require.NoError(t, err)
	assert.Len(t, evidence.RecentLocationVisits, MaxRecentVisits)
	assert.Equal(t, "wrld_0", evidence.RecentLocationVisits[0].LocationID)
	assert.Equal(t, 60, evidence.RecentVisitCount)
	assert.Nil(t, evidence.SnapshotProfile)
}

func TestFetchActivityCountsSQLiteNativeTimestamps(t *testing.T) {
	const native = "2006-01-02 15:04:05"
	path := newHistoryDB(t, "", func(db *sql.DB) {
		for i := 0; i < 60; i++ {
			at := storeNow.Add(-20*time.Hour + time.Duration(i)*time.Minute).Format(native)
			mustExec(t, db, `INSERT INTO location_visits VALUES ('usr_native', ?, ?)`, fmt.Sprintf("wrld_%d", i), at)
		}
		mustExec(t, db, `INSERT INTO location_visits VALUES ('usr_native', 'wrld_old', ?)`, storeNow.Add(-30*time.Hour).Format(native))
	})
	store := newTestStore(t, LocalStoreConfig{Path: path}, nil)

	evidence, err := store.FetchActivity(context.Background(), "usr_native")
	require.NoError(t, err)
	assert.Equal(t, 60, evidence.RecentVisitCount)
	assert.Equal(t, "wrld_59", evidence.RecentLocationVisits[0].LocationID)
}

func TestFetchActivityOrdersMixedTimestampFormats(t *testing.T) {
	path := newHistoryDB(t, "", func(db *sql.DB) {
		mustExec(t, db, `INSERT INTO location_visits VALUES ('usr_mixed', 'wrld_rfc', ?), ('usr_mixed', 'wrld_native', ?)`,
			visitAt(2*time.Hour), storeNow.Add(-time.Hour).Format("2006-01-02 15:04:05"))
		mustExec(t, db, `INSERT INTO user_snapshots VALUES ('usr_mixed', 'A', 'older', '', '', '', ?), ('usr_mixed', 'A', 'newer', '', '', '', ?)`,
			visitAt(2*time.Hour), storeNow.Add(-time.Hour).Format("2006-01-02 15:04:05"))
	})
	store := newTestStore(t, LocalStoreConfig{Path: path}, nil)

	evidence, err := store.FetchActivity(context.Background(), "usr_mixed")
	require.NoError(t, err)
	require.Len(t, evidence.RecentLocationVisits, 2)
	assert.Equal(t, "wrld_native", evidence.RecentLocationVisits[0].LocationID)
	assert.Equal(t, "wrld_rfc", evidence.RecentLocationVisits[1].LocationID)
	require.NotNil(t, evidence.SnapshotProfile)
	assert.Equal(t, "newer", evidence.SnapshotProfile.Bio)
	assert.Equal(t, 2, evidence.RecentVisitCount)
}

func TestFetchActivityNoActivity(t *testing.T) {
	path := newHistoryDB(t, "", nil)
	store := newTestStore(t, LocalStoreConfig{Path: path}, nil)

	evidence, err := store.FetchActivity(context.Background(), "usr_nobody")
	assert.ErrorIs(t, err, utils.ErrNoActivity)
	assert.True(t, evidence.Empty())
}

func TestFetchActivityStoreUnavailable(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		store := newTestStore(t, LocalStoreConfig{Path: filepath.Join(t.TempDir(), "absent.sqlite3")}, nil)
		_, err := store.FetchActivity(context.Background(), "usr_abc123")
		assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
	})

	t.Run("missing tables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.sqlite3")
		db, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		mustExec(t, db, `CREATE TABLE unrelated (id INTEGER)`)
		require.NoError(t, db.Close())

		store := newTestStore(t, LocalStoreConfig{Path: path}, nil)
		_, err = store.FetchActivity(context.Background(), "usr_abc123")
		assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
	})

	t.Run("not configured", func(t *testing.T) {
		store := newTestStore(t, LocalStoreConfig{}, nil)
		_, err := store.FetchActivity(context.Background(), "usr_abc123")
		assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
	})
}

func TestFetchActivityIsReadOnly(t *testing.T) {
	path := newHistoryDB(t, "", func(db *sql.DB) {
		mustExec(t, db, `INSERT INTO location_visits VALUES ('usr_abc123', 'wrld_1', ?)`, visitAt(time.Minute))
	})
	store := newTestStore(t, LocalStoreConfig{Path: path}, nil)

	db, err := openSQLite(context.Background(), store.dsn())
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`DELETE FROM location_visits`)
	assert.Error(t, err, "store connections must refuse writes")
}

func TestFetchActivityPathWithURIMetacharacters(t *testing.T) {
	plain := newHistoryDB(t, "", func(db *sql.DB) {
		mustExec(t, db, `INSERT INTO location_visits VALUES ('usr_abc123', 'wrld_1', ?)`, visitAt(time.Minute))
	})
	odd := filepath.Join(filepath.Dir(plain), "odd ?#% name.sqlite3")
	require.NoError(t, os.Rename(plain, odd))
	store := newTestStore(t, LocalStoreConfig{Path: odd}, nil)

	u, err := url.Parse(store.dsn())
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)
	assert.Equal(t, odd, u.Path)
	assert.Equal(t, "ro", u.Query().Get("mode"))

	evidence, err := store.FetchActivity(context.Background(), "usr_abc123")
	require.NoError(t, err)
	assert.Len(t, evidence.RecentLocationVisits, 1)
}

func TestFetchActivityErrorPathsCloseHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite3")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cases := map[string]func(sqlmock.Sqlmock){
		"locked": func(mock sqlmock.Sqlmock) {
			mock.ExpectQuery("FROM user_snapshots").WithArgs("usr_abc123").WillReturnError(errors.New("database is locked"))
		},
		"visits failure": func(mock sqlmock.Sqlmock) {
			mock.ExpectQuery("FROM user_snapshots").WithArgs("usr_abc123").WillReturnError(sql.ErrNoRows)
			mock.ExpectQuery("FROM location_visits v").WithArgs("usr_abc123", MaxRecentVisits).WillReturnError(errors.New("no such table: location_visits"))
		},
		"churn failure": func(mock sqlmock.Sqlmock) {
			mock.ExpectQuery("FROM user_snapshots").WithArgs("usr_abc123").WillReturnError(sql.ErrNoRows)
			mock.ExpectQuery("FROM location_visits v").WithArgs("usr_abc123", MaxRecentVisits).
				WillReturnRows(sqlmock.NewRows([]string{"location_id", "name", "description", "visited_at"}).
					AddRow("wrld_1", "Crash Zone", "", visitAt(time.Minute)))
			mock.ExpectQuery("SELECT COUNT").WithArgs("usr_abc123", visitAt(24*time.Hour)).WillReturnError(errors.New("disk I/O error"))
		},
	}

	for name, expect := range cases {
		t.Run(name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			expect(mock)
			mock.ExpectClose()

			store := newTestStore(t, LocalStoreConfig{Path: path}, func(context.Context, string) (*sql.DB, error) { return db, nil })
			_, err = store.FetchActivity(context.Background(), "usr_abc123")
			assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFetchActivityOpenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite3")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	store := newTestStore(t, LocalStoreConfig{Path: path}, func(context.Context, string) (*sql.DB, error) {
		return nil, errors.New("unable to open database file")
	})

	_, err := store.FetchActivity(context.Background(), "usr_abc123")
	assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
}

func TestFetchActivityCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite3")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectQuery("FROM user_snapshots").WillReturnError(context.Canceled)
	mock.ExpectClose()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := newTestStore(t, LocalStoreConfig{Path: path}, func(context.Context, string) (*sql.DB, error) { return db, nil })
	_, err = store.FetchActivity(ctx, "usr_abc123")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewLocalStoreRejectsUnsafePrefix(t *testing.T) {
	_, err := NewLocalStore(LocalStoreConfig{TablePrefix: "x; DROP TABLE y"}, nil, nil)
	assert.Error(t, err)
}

func TestDecodeTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, decodeTags(`["a","b"]`))
	assert.Equal(t, []string{"a", "b"}, decodeTags(" a, b ,"))
	assert.Nil(t, decodeTags(""))
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(query, args...)
	require.NoError(t, err)
}
