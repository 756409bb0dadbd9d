package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tonimelisma/pkgsync/internal/store"
)

// Validation range constants.
const (
	maxStoreRetries    = 10
	maxStatusRate      = 100.0
	maxVerifyGroupSize = 500
	minShutdownTimeout = time.Second
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateArchive(&cfg.Archive)...)
	errs = append(errs, validateFilter(&cfg.Filter)...)
	errs = append(errs, validateReconcile(&cfg.Reconcile)...)
	errs = append(errs, validateMarker(&cfg.Marker)...)
	errs = append(errs, validateBatch(&cfg.Batch)...)
	errs = append(errs, validateVerify(&cfg.Verify)...)
	errs = append(errs, validateSchedule(&cfg.Schedule)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateStore(s *StoreConfig) []error {
	var errs []error

	if _, err := store.ParseDialect(s.Dialect); err != nil {
		errs = append(errs, fmt.Errorf("store.dialect: %w", err))
	}

	if s.RetryCount < 0 || s.RetryCount > maxStoreRetries {
		errs = append(errs, fmt.Errorf("store.retry_count: must be between 0 and %d, got %d", maxStoreRetries, s.RetryCount))
	}

	errs = appendDuration(errs, "store", "retry_delay", s.RetryDelay)

	return errs
}

func validateArchive(a *ArchiveConfig) []error {
	var errs []error

	if a.BaseURL != "" {
		if u, err := url.Parse(a.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("archive.base_url: must be an http or https URL, got %q", a.BaseURL))
		}
	}

	if a.TokenURL != "" {
		if u, err := url.Parse(a.TokenURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("archive.token_url: must be an absolute URL, got %q", a.TokenURL))
		}
	}

	errs = appendDuration(errs, "archive", "timeout", a.Timeout)

	if a.StatusRate < 0 || a.StatusRate > maxStatusRate {
		errs = append(errs, fmt.Errorf("archive.status_rate: must be between 0 and %g, got %g", maxStatusRate, a.StatusRate))
	}

	if a.StatusBurst < 0 {
		errs = append(errs, fmt.Errorf("archive.status_burst: must be non-negative, got %d", a.StatusBurst))
	}

	if a.SentinelPackageID < 0 {
		errs = append(errs, fmt.Errorf("archive.sentinel_package_id: must be non-negative, got %d", a.SentinelPackageID))
	}

	return errs
}

func validateFilter(f *FilterConfig) []error {
	var errs []error

	if f.MaxFiles < 1 {
		errs = append(errs, fmt.Errorf("filter.max_files: must be >= 1, got %d", f.MaxFiles))
	}

	if f.JobDirPattern != "" {
		if _, err := regexp.Compile(f.JobDirPattern); err != nil {
			errs = append(errs, fmt.Errorf("filter.job_dir_pattern: %w", err))
		}
	}

	errs = appendDuration(errs, "filter", "job_dir_freshness", f.JobDirFreshness)

	for _, ext := range f.BlockedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("filter.blocked_extensions: %q must start with a dot", ext))
		}
	}

	if strings.ContainsAny(f.IgnoreFile, `/\`) {
		errs = append(errs, fmt.Errorf("filter.ignore_file: must be a file name, got %q", f.IgnoreFile))
	}

	return errs
}

func validateReconcile(r *ReconcileConfig) []error {
	var errs []error

	errs = appendDuration(errs, "reconcile", "grace_window", r.GraceWindow)
	errs = appendDuration(errs, "reconcile", "old_age", r.OldAge)
	errs = appendDuration(errs, "reconcile", "very_old_age", r.VeryOldAge)

	if _, err := parseByteSize(r.LargeFileSize); err != nil {
		errs = append(errs, fmt.Errorf("reconcile.large_file_size: %w", err))
	}

	old, errOld := parseDuration(r.OldAge)
	veryOld, errVeryOld := parseDuration(r.VeryOldAge)

	if errOld == nil && errVeryOld == nil && old > 0 && veryOld < old {
		errs = append(errs, fmt.Errorf("reconcile.very_old_age (%s) must not be shorter than old_age (%s)", r.VeryOldAge, r.OldAge))
	}

	return errs
}

func validateMarker(m *MarkerConfig) []error {
	var errs []error

	errs = appendDuration(errs, "marker", "stale_after", m.StaleAfter)
	errs = appendDuration(errs, "marker", "warn_after", m.WarnAfter)

	stale, errStale := parseDuration(m.StaleAfter)
	warn, errWarn := parseDuration(m.WarnAfter)

	if errStale == nil && errWarn == nil && stale > 0 && warn > stale {
		errs = append(errs, fmt.Errorf("marker.warn_after (%s) must not exceed stale_after (%s)", m.WarnAfter, m.StaleAfter))
	}

	return errs
}

func validateBatch(b *BatchConfig) []error {
	var errs []error

	if b.MaxFiles < 0 {
		errs = append(errs, fmt.Errorf("batch.max_files: must be non-negative, got %d", b.MaxFiles))
	}

	if b.MaxPackages < 0 {
		errs = append(errs, fmt.Errorf("batch.max_packages: must be non-negative, got %d", b.MaxPackages))
	}

	return errs
}

func validateVerify(v *VerifyConfig) []error {
	var errs []error

	if v.GroupSize < 1 || v.GroupSize > maxVerifyGroupSize {
		errs = append(errs, fmt.Errorf("verify.group_size: must be between 1 and %d, got %d", maxVerifyGroupSize, v.GroupSize))
	}

	if v.ExceptionThreshold < 1 {
		errs = append(errs, fmt.Errorf("verify.exception_threshold: must be >= 1, got %d", v.ExceptionThreshold))
	}

	errs = appendDuration(errs, "verify", "escalate_after", v.EscalateAfter)
	errs = appendDuration(errs, "verify", "retry_delay", v.RetryDelay)

	return errs
}

func validateSchedule(s *ScheduleConfig) []error {
	var errs []error

	for _, spec := range []struct{ key, value string }{
		{"archive", s.Archive},
		{"verify", s.Verify},
	} {
		if spec.value == "" {
			continue
		}

		if _, err := cron.ParseStandard(spec.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", keyPath("schedule", spec.key), err))
		}
	}

	errs = appendDuration(errs, "schedule", "archive_lookback", s.ArchiveLookback)
	errs = appendDuration(errs, "schedule", "shutdown_timeout", s.ShutdownTimeout)

	if d, err := parseDuration(s.ShutdownTimeout); err == nil && d < minShutdownTimeout {
		errs = append(errs, fmt.Errorf("schedule.shutdown_timeout: must be >= %s, got %s", minShutdownTimeout, s.ShutdownTimeout))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !slices.Contains(validLogLevels, l.LogLevel) {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of %s, got %q", strings.Join(validLogLevels, ", "), l.LogLevel))
	}

	if !slices.Contains(validLogFormats, l.LogFormat) {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of %s, got %q", strings.Join(validLogFormats, ", "), l.LogFormat))
	}

	return errs
}

// parseDuration parses a Go duration string. "0" and "" mean zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must be non-negative", s)
	}

	return d, nil
}

func appendDuration(errs []error, section, key, value string) []error {
	if _, err := parseDuration(value); err != nil {
		return append(errs, fmt.Errorf("%s: %w", keyPath(section, key), err))
	}

	return errs
}
