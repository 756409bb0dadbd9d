// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for pkgsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// converts the result into the option structs of the store, the archive API
// client and the archive engine.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Durations and sizes are kept as strings here and parsed by Resolve.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Archive   ArchiveConfig   `toml:"archive"`
	Filter    FilterConfig    `toml:"filter"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Marker    MarkerConfig    `toml:"marker"`
	Batch     BatchConfig     `toml:"batch"`
	Verify    VerifyConfig    `toml:"verify"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Logging   LoggingConfig   `toml:"logging"`
}

// StoreConfig selects the relational store. An empty DSN with the sqlite
// dialect uses pkgsync.db in the platform data directory.
type StoreConfig struct {
	Dialect    string `toml:"dialect"`
	DSN        string `toml:"dsn"`
	RetryCount int    `toml:"retry_count"`
	RetryDelay string `toml:"retry_delay"`
}

// ArchiveConfig points at the archive service and its credentials. A static
// token wins over client credentials.
type ArchiveConfig struct {
	BaseURL           string   `toml:"base_url"`
	Token             string   `toml:"token"`
	ClientID          string   `toml:"client_id"`
	ClientSecret      string   `toml:"client_secret"`
	TokenURL          string   `toml:"token_url"`
	Scopes            []string `toml:"scopes"`
	Timeout           string   `toml:"timeout"`
	StatusRate        float64  `toml:"status_rate"`
	StatusBurst       int      `toml:"status_burst"`
	SentinelPackageID int      `toml:"sentinel_package_id"`
}

// FilterConfig controls which files of a package are candidates. Empty lists
// keep the built-in defaults.
type FilterConfig struct {
	SkipNames         []string `toml:"skip_names"`
	BlockedExtensions []string `toml:"blocked_extensions"`
	MaxFiles          int      `toml:"max_files"`
	JobDirPattern     string   `toml:"job_dir_pattern"`
	JobDirFreshness   string   `toml:"job_dir_freshness"`
	IgnoreFile        string   `toml:"ignore_file"`
}

// ReconcileConfig controls the grace window and the hash skip policy.
// An old_age of "0" disables hash skipping.
type ReconcileConfig struct {
	GraceWindow   string `toml:"grace_window"`
	OldAge        string `toml:"old_age"`
	VeryOldAge    string `toml:"very_old_age"`
	LargeFileSize string `toml:"large_file_size"`
}

// MarkerConfig controls submission-pending marker ages.
type MarkerConfig struct {
	StaleAfter string `toml:"stale_after"`
	WarnAfter  string `toml:"warn_after"`
}

// BatchConfig bounds the work handled per catalog population.
type BatchConfig struct {
	MaxFiles    int `toml:"max_files"`
	MaxPackages int `toml:"max_packages"`
}

// VerifyConfig controls the ingestion verifier.
type VerifyConfig struct {
	GroupSize          int    `toml:"group_size"`
	EscalateAfter      string `toml:"escalate_after"`
	ExceptionThreshold int    `toml:"exception_threshold"`
	RetryDelay         string `toml:"retry_delay"`
}

// ScheduleConfig drives the serve command. Cron specs use the standard
// five-field syntax; an empty spec disables that job.
type ScheduleConfig struct {
	Archive         string `toml:"archive"`
	Verify          string `toml:"verify"`
	ArchiveLookback string `toml:"archive_lookback"`
	MetricsAddr     string `toml:"metrics_addr"`
	PIDFile         string `toml:"pid_file"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// LoggingConfig controls log output behavior: level, format and file.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	StoreDSN   *string // --store-dsn flag
	BaseURL    *string // --archive-url flag
}
