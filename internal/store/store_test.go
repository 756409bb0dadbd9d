package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pkgsync/internal/archive"
)

var testNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestStore opens a SQLite store in a temp directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), Options{
		Dialect:    DialectSQLite,
		DSN:        filepath.Join(t.TempDir(), "pkgsync.db"),
		RetryCount: 2,
		Logger:     testLogger(t),
	})
	require.NoError(t, err)

	s.nowFunc = func() time.Time { return testNow }

	t.Cleanup(func() { s.Close() })

	return s
}

func seedPackage(t *testing.T, s *Store, id int, name string) archive.PackageRecord {
	t.Helper()

	p := archive.PackageRecord{
		ID:        id,
		Name:      name,
		Owner:     "lab",
		LocalPath: "/data/" + name,
		SharePath: "/share/" + name,
		Subdir:    name,
	}
	require.NoError(t, s.UpsertPackage(context.Background(), p))

	return p
}

func session(id string, pkgID, code int, entered time.Time) archive.UploadSession {
	return archive.UploadSession{
		ID:           id,
		PackageID:    pkgID,
		Subdir:       "sub",
		NewCount:     3,
		UpdatedCount: 1,
		Bytes:        4096,
		Elapsed:      1500 * time.Millisecond,
		StatusHandle: "https://archive.example/status/" + id,
		ErrorCode:    code,
		EnteredAt:    entered,
	}
}

func TestOpen_MigratesAndReopens(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pkgsync.db")

	s, err := Open(context.Background(), Options{DSN: path, Logger: testLogger(t)})
	require.NoError(t, err)
	require.NoError(t, s.UpsertPackage(context.Background(), archive.PackageRecord{ID: 1, Name: "a", Subdir: "a"}))
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), Options{DSN: path, Logger: testLogger(t)})
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.ListPackageIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids)
}

func TestOpen_EmptyDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{})
	require.Error(t, err)
}

func TestPackages_UpsertAndGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	seedPackage(t, s, 3, "gamma")
	seedPackage(t, s, 1, "alpha")
	p2 := seedPackage(t, s, 2, "beta")

	p2.LocalPath = "/mnt/beta"
	require.NoError(t, s.UpsertPackage(ctx, p2))

	got, err := s.GetPackages(ctx, []int{2, 3, 42, 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].ID)
	assert.Equal(t, "/mnt/beta", got[0].LocalPath)
	assert.Equal(t, "beta", got[0].Subdir)
	assert.True(t, got[0].CreatedAt.Equal(testNow))
	assert.Equal(t, 3, got[1].ID)

	all, err := s.ListPackages(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ids, err := s.ListPackageIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestUploads_OutstandingLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	p := seedPackage(t, s, 7, "eta")

	require.NoError(t, s.RecordUploadStats(ctx, session("s1", 7, 0, testNow.Add(-time.Hour))))
	require.NoError(t, s.RecordUploadStats(ctx, session("s2", 7, 1, testNow)))

	recs, err := s.ListOutstandingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1, "failed submissions are not outstanding")

	r := recs[0]
	assert.Equal(t, 7, r.PackageID)
	assert.Equal(t, "lab", r.Owner)
	assert.Equal(t, p.LocalPath, r.LocalPath)
	assert.Equal(t, p.SharePath, r.SharePath)
	assert.Equal(t, "https://archive.example/status/s1", r.StatusHandle)
	assert.True(t, r.EnteredAt.Equal(testNow.Add(-time.Hour)))
	assert.False(t, r.Available)

	pkgs, err := s.GetPackages(ctx, []int{7})
	require.NoError(t, err)
	assert.Equal(t, 1, pkgs[0].UploadCount)

	require.NoError(t, s.SetUploadStatus(ctx, r.EntryID, 7, true, false))

	recs, err = s.ListOutstandingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Available)

	require.NoError(t, s.SetUploadStatus(ctx, r.EntryID, 7, true, true))

	recs, err = s.ListOutstandingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	rows, err := s.RecentUploads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "s2", rows[0].Session.ID)
	assert.Equal(t, 1, rows[0].Session.ErrorCode)
	assert.Equal(t, "s1", rows[1].Session.ID)
	assert.True(t, rows[1].Verified)
	assert.Equal(t, 1500*time.Millisecond, rows[1].Session.Elapsed)
}

func TestSetUploadStatus_UnknownEntry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	err := s.SetUploadStatus(context.Background(), 404, 1, true, true)
	require.ErrorIs(t, err, ErrUploadNotFound)
}

func TestUploads_HoldAndRelease(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedPackage(t, s, 7, "eta")

	require.NoError(t, s.RecordUploadStats(ctx, session("s1", 7, 0, testNow)))

	recs, err := s.ListOutstandingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	entry := recs[0].EntryID

	require.NoError(t, s.HoldUpload(ctx, entry, 7, "submitter not registered"))

	recs, err = s.ListOutstandingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs, "held uploads are not verified")

	rows, err := s.RecentUploads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "submitter not registered", rows[0].Held)

	require.NoError(t, s.ReleaseUpload(ctx, entry))

	recs, err = s.ListOutstandingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, entry, recs[0].EntryID)

	require.ErrorIs(t, s.ReleaseUpload(ctx, entry), ErrUploadNotHeld)
	require.ErrorIs(t, s.HoldUpload(ctx, 404, 7, "x"), ErrUploadNotFound)
	require.Error(t, s.HoldUpload(ctx, entry, 7, ""))
}

func TestRecordUploadStats_DuplicateSessionNotRetried(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedPackage(t, s, 1, "alpha")

	sleeps := 0
	s.sleepFunc = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	require.NoError(t, s.RecordUploadStats(ctx, session("dup", 1, 0, testNow)))
	require.Error(t, s.RecordUploadStats(ctx, session("dup", 1, 0, testNow)))
	assert.Zero(t, sleeps, "constraint violations are permanent")
}

func TestOperatorLog(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogOperatorError(ctx, 3, "first"))

	s.nowFunc = func() time.Time { return testNow.Add(time.Minute) }
	require.NoError(t, s.LogOperatorError(ctx, 4, "second"))

	entries, err := s.RecentOperatorLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, 4, entries[0].PackageID)
	assert.Equal(t, "first", entries[1].Message)
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	errTransient := errors.New("database is locked")

	sleeps := 0
	s.sleepFunc = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	calls := 0
	err := s.withRetry(context.Background(), "flaky", func() error {
		calls++
		if calls < 3 {
			return errTransient
		}

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, sleeps)

	calls = 0
	err = s.withRetry(context.Background(), "broken", func() error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls, "retry count 2 means three attempts")
}

func TestDialect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Dialect
	}{
		{"", DialectSQLite},
		{"sqlite", DialectSQLite},
		{"SQLite3", DialectSQLite},
		{"postgres", DialectPostgres},
		{"postgresql", DialectPostgres},
	}

	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseDialect("oracle")
	require.Error(t, err)

	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", DialectPostgres.rebind(q))

	assert.Equal(t, "postgres://u@h/db", DialectPostgres.dsn("postgres://u@h/db"))
	assert.Contains(t, DialectSQLite.dsn("/var/lib/pkgsync.db"), "file:/var/lib/pkgsync.db?_pragma=journal_mode(WAL)")
	assert.Equal(t, "file::memory:", DialectSQLite.dsn("file::memory:"))
}
