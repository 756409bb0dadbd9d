package config

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/tonimelisma/pkgsync/internal/archive"
	"github.com/tonimelisma/pkgsync/internal/archiveapi"
	"github.com/tonimelisma/pkgsync/internal/store"
)

// ErrArchiveNotConfigured is returned by commands that talk to the archive
// when no base URL is set.
var ErrArchiveNotConfigured = errors.New("config: archive.base_url is not set (config file, PKGSYNC_ARCHIVE_URL or --archive-url)")

// Resolved is the fully parsed configuration. It is immutable once built;
// serve replaces the whole value on reload.
type Resolved struct {
	ConfigPath string

	Store    ResolvedStore
	Archive  ResolvedArchive
	Engine   archive.EngineConfig
	Schedule ResolvedSchedule
	Logging  LoggingConfig
}

// ResolvedStore holds the database settings.
type ResolvedStore struct {
	Dialect    store.Dialect
	DSN        string
	RetryCount int
	RetryDelay time.Duration
}

// ResolvedArchive holds the archive service settings.
type ResolvedArchive struct {
	BaseURL     string
	Auth        archiveapi.AuthConfig
	Timeout     time.Duration
	StatusRate  float64
	StatusBurst int
}

// ResolvedSchedule holds the serve command settings.
type ResolvedSchedule struct {
	Archive         string
	Verify          string
	ArchiveLookback time.Duration
	MetricsAddr     string
	PIDFile         string
	ShutdownTimeout time.Duration
}

// StoreOptions converts the store settings into store.Options.
func (r *Resolved) StoreOptions(logger *slog.Logger) store.Options {
	return store.Options{
		Dialect:    r.Store.Dialect,
		DSN:        r.Store.DSN,
		RetryCount: r.Store.RetryCount,
		RetryDelay: r.Store.RetryDelay,
		Logger:     logger,
	}
}

// RequireArchive reports ErrArchiveNotConfigured when no base URL is set.
func (r *Resolved) RequireArchive() error {
	if r.Archive.BaseURL == "" {
		return ErrArchiveNotConfigured
	}

	return nil
}

// resolve parses a validated Config. Parse errors here indicate a value that
// slipped past Validate and are returned rather than panicking.
func resolve(cfg *Config, path string) (*Resolved, error) {
	p := &parser{}

	r := &Resolved{
		ConfigPath: path,
		Logging:    cfg.Logging,
	}

	r.Logging.LogFile = expandHome(cfg.Logging.LogFile)

	dialect, err := store.ParseDialect(cfg.Store.Dialect)
	if err != nil {
		return nil, err
	}

	r.Store = ResolvedStore{
		Dialect:    dialect,
		DSN:        cfg.Store.DSN,
		RetryCount: cfg.Store.RetryCount,
		RetryDelay: p.duration("store.retry_delay", cfg.Store.RetryDelay),
	}

	if r.Store.DSN == "" && dialect == store.DialectSQLite {
		r.Store.DSN = DefaultDatabasePath()
	} else if dialect == store.DialectSQLite {
		r.Store.DSN = expandHome(r.Store.DSN)
	}

	r.Archive = ResolvedArchive{
		BaseURL: cfg.Archive.BaseURL,
		Auth: archiveapi.AuthConfig{
			Token:        cfg.Archive.Token,
			ClientID:     cfg.Archive.ClientID,
			ClientSecret: cfg.Archive.ClientSecret,
			TokenURL:     cfg.Archive.TokenURL,
			Scopes:       cfg.Archive.Scopes,
		},
		Timeout:     p.duration("archive.timeout", cfg.Archive.Timeout),
		StatusRate:  cfg.Archive.StatusRate,
		StatusBurst: cfg.Archive.StatusBurst,
	}

	r.Engine = p.engine(cfg)

	r.Schedule = ResolvedSchedule{
		Archive:         cfg.Schedule.Archive,
		Verify:          cfg.Schedule.Verify,
		ArchiveLookback: p.duration("schedule.archive_lookback", cfg.Schedule.ArchiveLookback),
		MetricsAddr:     cfg.Schedule.MetricsAddr,
		PIDFile:         expandHome(cfg.Schedule.PIDFile),
		ShutdownTimeout: p.duration("schedule.shutdown_timeout", cfg.Schedule.ShutdownTimeout),
	}

	if r.Schedule.PIDFile == "" {
		r.Schedule.PIDFile = DefaultPIDPath()
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	return r, nil
}

// parser accumulates conversion errors so resolve reads linearly.
type parser struct {
	errs []error
}

func (p *parser) duration(key, value string) time.Duration {
	d, err := parseDuration(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}

	return d
}

func (p *parser) size(key, value string) int64 {
	n, err := parseByteSize(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}

	return n
}

// engine builds the archive engine settings, starting from the engine's own
// defaults so unset lists keep the built-in values.
func (p *parser) engine(cfg *Config) archive.EngineConfig {
	ec := archive.DefaultEngineConfig()
	ec.SentinelPackageID = cfg.Archive.SentinelPackageID

	if len(cfg.Filter.SkipNames) > 0 {
		ec.Filter.SkipNames = cfg.Filter.SkipNames
	}

	if len(cfg.Filter.BlockedExtensions) > 0 {
		ec.Filter.BlockedExtensions = cfg.Filter.BlockedExtensions
	}

	ec.Filter.MaxFiles = cfg.Filter.MaxFiles
	ec.Filter.JobDirFreshness = p.duration("filter.job_dir_freshness", cfg.Filter.JobDirFreshness)
	ec.Filter.IgnoreFile = cfg.Filter.IgnoreFile
	ec.Filter.JobDirPattern = nil

	if cfg.Filter.JobDirPattern != "" {
		re, err := regexp.Compile(cfg.Filter.JobDirPattern)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("filter.job_dir_pattern: %w", err))
		}

		ec.Filter.JobDirPattern = re
	}

	ec.Reconcile = archive.ReconcileConfig{
		GraceWindow: p.duration("reconcile.grace_window", cfg.Reconcile.GraceWindow),
		HashSkip: archive.HashSkipPolicy{
			OldAge:        p.duration("reconcile.old_age", cfg.Reconcile.OldAge),
			VeryOldAge:    p.duration("reconcile.very_old_age", cfg.Reconcile.VeryOldAge),
			LargeFileSize: p.size("reconcile.large_file_size", cfg.Reconcile.LargeFileSize),
		},
	}

	ec.Marker = archive.MarkerPolicy{
		StaleAfter: p.duration("marker.stale_after", cfg.Marker.StaleAfter),
		WarnAfter:  p.duration("marker.warn_after", cfg.Marker.WarnAfter),
	}

	ec.Batch = archive.BatchLimits{
		MaxFiles:    cfg.Batch.MaxFiles,
		MaxPackages: cfg.Batch.MaxPackages,
	}

	ec.Verify = archive.VerifyConfig{
		GroupSize:          cfg.Verify.GroupSize,
		EscalateAfter:      p.duration("verify.escalate_after", cfg.Verify.EscalateAfter),
		ExceptionThreshold: cfg.Verify.ExceptionThreshold,
		RetryDelay:         p.duration("verify.retry_delay", cfg.Verify.RetryDelay),
	}

	return ec
}
