package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSQLiteDB migrates a fresh file database and opens it.
func newSQLiteDB(t *testing.T) *sqlx.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scribeq.db")
	cfg := Config{Driver: DriverSQLite, DSN: "file:" + path + "?_busy_timeout=5000&_foreign_keys=on"}
	require.NoError(t, RunMigrations(cfg, discardLogger()))

	db, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// fakeClock is a settable time source shared by repositories in one test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seedVideos enqueues n videos one second apart and returns their ids in creation order.
func seedVideos(t *testing.T, db *sqlx.DB, clock *fakeClock, n int) []string {
	t.Helper()

	jobs := NewJobRepository(db)
	jobs.now = clock.Now
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		res, err := jobs.Enqueue(context.Background(), fmt.Sprintf("https://example.com/watch?v=%03d", i), fmt.Sprintf("video %d", i))
		require.NoError(t, err)
		ids = append(ids, res.VideoID)
		clock.Advance(time.Second)
	}
	return ids
}
