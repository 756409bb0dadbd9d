// Package store is the relational backing store for pkgsync: package
// metadata, upload history with verification flags, and the operator log.
// SQLite is the default backend; Postgres serves shared deployments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/tonimelisma/pkgsync/internal/archive"
)

// Store defaults.
const (
	DefaultRetryCount = 3
	DefaultRetryDelay = 2 * time.Second

	// maxInParams bounds the IN list of one GetPackages query.
	maxInParams = 500
)

// ErrUploadNotFound is returned when an upload update matches no row.
var ErrUploadNotFound = errors.New("store: upload entry not found")

// ErrUploadNotHeld is returned when releasing an upload that is not held.
var ErrUploadNotHeld = errors.New("store: upload entry is not held")

// SQL statements. Placeholders are written as ? and rebound per dialect.
const (
	sqlSelectPackages = `SELECT p.id, p.name, p.owner, p.local_path, p.share_path, p.subdir, p.created_at,
		(SELECT COUNT(*) FROM uploads u WHERE u.package_id = p.id AND u.error_code = 0)
		FROM packages p`

	sqlUpsertPackage = `INSERT INTO packages (id, name, owner, local_path, share_path, subdir, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name,
		 owner = excluded.owner,
		 local_path = excluded.local_path,
		 share_path = excluded.share_path,
		 subdir = excluded.subdir`

	sqlListPackageIDs = `SELECT id FROM packages ORDER BY id`

	sqlInsertUpload = `INSERT INTO uploads
		(session_id, package_id, subdir, new_count, updated_count, bytes, elapsed_ms,
		 status_handle, error_code, entered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	sqlListOutstanding = `SELECT u.id, u.package_id, p.owner, u.entered_at, u.status_handle,
		p.local_path, p.share_path, u.available, u.verified
		FROM uploads u JOIN packages p ON p.id = u.package_id
		WHERE u.error_code = 0 AND u.verified = ? AND u.held_reason = ''
		ORDER BY u.package_id, u.id`

	sqlSetUploadStatus = `UPDATE uploads SET available = ?, verified = ?, verified_at = ?
		WHERE id = ? AND package_id = ?`

	sqlHoldUpload = `UPDATE uploads SET held_reason = ? WHERE id = ? AND package_id = ?`

	sqlReleaseUpload = `UPDATE uploads SET held_reason = '' WHERE id = ? AND held_reason <> ''`

	sqlInsertOperatorLog = `INSERT INTO operator_log (package_id, message, logged_at) VALUES (?, ?, ?)`

	sqlRecentOperatorLog = `SELECT id, package_id, message, logged_at FROM operator_log
		ORDER BY logged_at DESC, id DESC LIMIT ?`

	sqlRecentUploads = `SELECT id, session_id, package_id, subdir, new_count, updated_count, bytes,
		elapsed_ms, status_handle, error_code, entered_at, available, verified, held_reason
		FROM uploads ORDER BY entered_at DESC, id DESC LIMIT ?`
)

// Options configures Open.
type Options struct {
	Dialect    Dialect
	DSN        string // SQLite file path or Postgres connection string
	RetryCount int    // attempts after the first failure
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// OperatorLogEntry is one operator-actionable condition.
type OperatorLogEntry struct {
	ID        int64
	PackageID int
	Message   string
	LoggedAt  time.Time
}

// UploadRow is one persisted submission attempt with its verification flags.
type UploadRow struct {
	EntryID   int64
	Session   archive.UploadSession
	Available bool
	Verified  bool
	Held      string // reason verification is suspended; empty when not held
}

// Store implements archive.Store on database/sql.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
	nowFunc    func() time.Time // injectable for deterministic tests

	// sleepFunc waits between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

var _ archive.Store = (*Store)(nil)

// Open connects to the database, applies migrations and returns a ready
// store. SQLite uses a single connection (sole-writer pattern).
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.Dialect == "" {
		opts.Dialect = DialectSQLite
	}

	if opts.DSN == "" {
		return nil, errors.New("store: empty DSN")
	}

	db, err := sql.Open(opts.Dialect.driverName(), opts.Dialect.dsn(opts.DSN))
	if err != nil {
		return nil, fmt.Errorf("store: opening %s database: %w", opts.Dialect, err)
	}

	if opts.Dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connecting to %s database: %w", opts.Dialect, err)
	}

	if err := runMigrations(ctx, db, opts.Dialect, opts.Logger); err != nil {
		db.Close()
		return nil, err
	}

	opts.Logger.Debug("store opened", slog.String("dialect", string(opts.Dialect)))

	return &Store{
		db:         db,
		dialect:    opts.Dialect,
		retryCount: max(opts.RetryCount, 0),
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
		nowFunc:    time.Now,
		sleepFunc:  sleepContext,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetPackages returns the records for ids, in ascending ID order. Unknown
// IDs are omitted.
func (s *Store) GetPackages(ctx context.Context, ids []int) ([]archive.PackageRecord, error) {
	var out []archive.PackageRecord

	for _, chunk := range lo.Chunk(lo.Uniq(ids), maxInParams) {
		q := sqlSelectPackages + " WHERE p.id IN (" + placeholders(len(chunk)) + ") ORDER BY p.id"
		args := lo.Map(chunk, func(id int, _ int) any { return id })

		var recs []archive.PackageRecord

		err := s.withRetry(ctx, "get packages", func() error {
			var qErr error
			recs, qErr = s.queryPackages(ctx, q, args...)

			return qErr
		})
		if err != nil {
			return nil, err
		}

		out = append(out, recs...)
	}

	return out, nil
}

// ListPackages returns every registered package ordered by ID.
func (s *Store) ListPackages(ctx context.Context) ([]archive.PackageRecord, error) {
	var recs []archive.PackageRecord

	err := s.withRetry(ctx, "list packages", func() error {
		var qErr error
		recs, qErr = s.queryPackages(ctx, sqlSelectPackages+" ORDER BY p.id")

		return qErr
	})

	return recs, err
}

// ListPackageIDs returns every registered package ID in ascending order.
func (s *Store) ListPackageIDs(ctx context.Context) ([]int, error) {
	var ids []int

	err := s.withRetry(ctx, "list package ids", func() error {
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(sqlListPackageIDs))
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]

		for rows.Next() {
			var id int
			if err := rows.Scan(&id); err != nil {
				return err
			}

			ids = append(ids, id)
		}

		return rows.Err()
	})

	return ids, err
}

// UpsertPackage registers a package or updates its paths and metadata.
// CreatedAt is kept from the first registration.
func (s *Store) UpsertPackage(ctx context.Context, p archive.PackageRecord) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = s.nowFunc()
	}

	return s.exec(ctx, "upsert package", sqlUpsertPackage,
		p.ID, p.Name, p.Owner, p.LocalPath, p.SharePath, p.Subdir, created.UnixNano())
}

func (s *Store) queryPackages(ctx context.Context, q string, args ...any) ([]archive.PackageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []archive.PackageRecord

	for rows.Next() {
		var (
			p       archive.PackageRecord
			created int64
		)

		if err := rows.Scan(&p.ID, &p.Name, &p.Owner, &p.LocalPath, &p.SharePath, &p.Subdir,
			&created, &p.UploadCount); err != nil {
			return nil, fmt.Errorf("store: scanning package row: %w", err)
		}

		p.CreatedAt = time.Unix(0, created)
		out = append(out, p)
	}

	return out, rows.Err()
}

// RecordUploadStats persists one submission attempt.
func (s *Store) RecordUploadStats(ctx context.Context, session archive.UploadSession) error {
	return s.withRetry(ctx, "record upload stats", func() error {
		var id int64

		return s.db.QueryRowContext(ctx, s.dialect.rebind(sqlInsertUpload),
			session.ID, session.PackageID, session.Subdir, session.NewCount, session.UpdatedCount,
			session.Bytes, session.Elapsed.Milliseconds(), session.StatusHandle, session.ErrorCode,
			session.EnteredAt.UnixNano(),
		).Scan(&id)
	})
}

// ListOutstandingUploads returns accepted submissions not yet verified.
func (s *Store) ListOutstandingUploads(ctx context.Context) ([]archive.VerificationRecord, error) {
	var out []archive.VerificationRecord

	err := s.withRetry(ctx, "list outstanding uploads", func() error {
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(sqlListOutstanding), false)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]

		for rows.Next() {
			var (
				r       archive.VerificationRecord
				entered int64
			)

			if err := rows.Scan(&r.EntryID, &r.PackageID, &r.Owner, &entered, &r.StatusHandle,
				&r.LocalPath, &r.SharePath, &r.Available, &r.Verified); err != nil {
				return fmt.Errorf("store: scanning upload row: %w", err)
			}

			r.EnteredAt = time.Unix(0, entered)
			out = append(out, r)
		}

		return rows.Err()
	})

	return out, err
}

// SetUploadStatus persists the verification flags of one upload entry.
func (s *Store) SetUploadStatus(ctx context.Context, entryID int64, packageID int, available, verified bool) error {
	var verifiedAt sql.NullInt64
	if verified {
		verifiedAt = sql.NullInt64{Int64: s.nowFunc().UnixNano(), Valid: true}
	}

	return s.execOne(ctx, "set upload status", sqlSetUploadStatus,
		fmt.Errorf("%w: entry %d, package %d", ErrUploadNotFound, entryID, packageID),
		available, verified, verifiedAt, entryID, packageID)
}

// HoldUpload suspends verification of one upload entry. Held entries are
// left out of ListOutstandingUploads until ReleaseUpload.
func (s *Store) HoldUpload(ctx context.Context, entryID int64, packageID int, reason string) error {
	if reason == "" {
		return errors.New("store: hold reason is empty")
	}

	return s.execOne(ctx, "hold upload", sqlHoldUpload,
		fmt.Errorf("%w: entry %d, package %d", ErrUploadNotFound, entryID, packageID),
		reason, entryID, packageID)
}

// ReleaseUpload returns a held upload entry to verification.
func (s *Store) ReleaseUpload(ctx context.Context, entryID int64) error {
	return s.execOne(ctx, "release upload", sqlReleaseUpload,
		fmt.Errorf("%w: entry %d", ErrUploadNotHeld, entryID), entryID)
}

// LogOperatorError appends an operator-actionable message.
func (s *Store) LogOperatorError(ctx context.Context, packageID int, message string) error {
	return s.exec(ctx, "log operator error", sqlInsertOperatorLog, packageID, message, s.nowFunc().UnixNano())
}

// RecentOperatorLog returns the newest operator log entries first.
func (s *Store) RecentOperatorLog(ctx context.Context, limit int) ([]OperatorLogEntry, error) {
	var out []OperatorLogEntry

	err := s.withRetry(ctx, "read operator log", func() error {
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(sqlRecentOperatorLog), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]

		for rows.Next() {
			var (
				e      OperatorLogEntry
				logged int64
			)

			if err := rows.Scan(&e.ID, &e.PackageID, &e.Message, &logged); err != nil {
				return fmt.Errorf("store: scanning operator log row: %w", err)
			}

			e.LoggedAt = time.Unix(0, logged)
			out = append(out, e)
		}

		return rows.Err()
	})

	return out, err
}

// RecentUploads returns the newest submission attempts first.
func (s *Store) RecentUploads(ctx context.Context, limit int) ([]UploadRow, error) {
	var out []UploadRow

	err := s.withRetry(ctx, "read recent uploads", func() error {
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(sqlRecentUploads), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]

		for rows.Next() {
			var (
				u                  UploadRow
				elapsedMS, entered int64
			)

			if err := rows.Scan(&u.EntryID, &u.Session.ID, &u.Session.PackageID, &u.Session.Subdir,
				&u.Session.NewCount, &u.Session.UpdatedCount, &u.Session.Bytes, &elapsedMS,
				&u.Session.StatusHandle, &u.Session.ErrorCode, &entered, &u.Available, &u.Verified, &u.Held); err != nil {
				return fmt.Errorf("store: scanning upload row: %w", err)
			}

			u.Session.Elapsed = time.Duration(elapsedMS) * time.Millisecond
			u.Session.EnteredAt = time.Unix(0, entered)
			out = append(out, u)
		}

		return rows.Err()
	})

	return out, err
}

// execOne runs an update that must touch at least one row; notFound is
// returned otherwise.
func (s *Store) execOne(ctx context.Context, op, q string, notFound error, args ...any) error {
	return s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, s.dialect.rebind(q), args...)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 0 {
			return notFound
		}

		return nil
	})
}

func (s *Store) exec(ctx context.Context, op, q string, args ...any) error {
	return s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, s.dialect.rebind(q), args...)
		return err
	})
}

// withRetry runs fn up to retryCount+1 times with a fixed delay. Context
// errors, missing rows and permanent database errors are not retried.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error

	for attempt := 0; attempt <= s.retryCount; attempt++ {
		if attempt > 0 {
			if sleepErr := s.sleepFunc(ctx, s.retryDelay); sleepErr != nil {
				return fmt.Errorf("store: %s: %w", op, sleepErr)
			}
		}

		err = fn()
		if err == nil {
			return nil
		}

		if ctx.Err() != nil || isMiss(err) || s.dialect.permanent(err) {
			break
		}

		if attempt < s.retryCount {
			s.logger.Warn("store operation failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", s.retryCount+1),
				slog.String("error", err.Error()),
			)
		}
	}

	if isMiss(err) {
		return err
	}

	return fmt.Errorf("store: %s: %w", op, err)
}

// isMiss reports an update that matched no row; retrying cannot help.
func isMiss(err error) bool {
	return errors.Is(err, ErrUploadNotFound) || errors.Is(err, ErrUploadNotHeld)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
