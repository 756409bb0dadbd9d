package config

// Default values for configuration options. These are "layer 0" of the
// override chain. Filter lists are left empty so the engine's built-in lists
// apply.
const (
	defaultDialect            = "sqlite"
	defaultStoreRetryCount    = 3
	defaultStoreRetryDelay    = "2s"
	defaultArchiveTimeout     = "5m"
	defaultStatusRate         = 5.0
	defaultStatusBurst        = 5
	defaultFilterMaxFiles     = 10000
	defaultJobDirPattern      = `^[A-Z]{3}\d{12}_Auto\d+$`
	defaultJobDirFreshness    = "4h"
	defaultIgnoreFile         = ".archiveignore"
	defaultGraceWindow        = "24h"
	defaultOldAge             = "720h"
	defaultVeryOldAge         = "4320h"
	defaultLargeFileSize      = "50MiB"
	defaultMarkerStaleAfter   = "168h"
	defaultMarkerWarnAfter    = "24h"
	defaultBatchMaxFiles      = 20000
	defaultBatchMaxPackages   = 50
	defaultVerifyGroupSize    = 25
	defaultEscalateAfter      = "24h"
	defaultExceptionThreshold = 3
	defaultVerifyRetryDelay   = "10s"
	defaultArchiveSchedule    = "0 2 * * *"
	defaultVerifySchedule     = "30 * * * *"
	defaultArchiveLookback    = "0"
	defaultMetricsAddr        = "127.0.0.1:9464"
	defaultShutdownTimeout    = "30s"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Dialect:    defaultDialect,
			RetryCount: defaultStoreRetryCount,
			RetryDelay: defaultStoreRetryDelay,
		},
		Archive: ArchiveConfig{
			Timeout:     defaultArchiveTimeout,
			StatusRate:  defaultStatusRate,
			StatusBurst: defaultStatusBurst,
		},
		Filter: FilterConfig{
			MaxFiles:        defaultFilterMaxFiles,
			JobDirPattern:   defaultJobDirPattern,
			JobDirFreshness: defaultJobDirFreshness,
			IgnoreFile:      defaultIgnoreFile,
		},
		Reconcile: ReconcileConfig{
			GraceWindow:   defaultGraceWindow,
			OldAge:        defaultOldAge,
			VeryOldAge:    defaultVeryOldAge,
			LargeFileSize: defaultLargeFileSize,
		},
		Marker: MarkerConfig{
			StaleAfter: defaultMarkerStaleAfter,
			WarnAfter:  defaultMarkerWarnAfter,
		},
		Batch: BatchConfig{
			MaxFiles:    defaultBatchMaxFiles,
			MaxPackages: defaultBatchMaxPackages,
		},
		Verify: VerifyConfig{
			GroupSize:          defaultVerifyGroupSize,
			EscalateAfter:      defaultEscalateAfter,
			ExceptionThreshold: defaultExceptionThreshold,
			RetryDelay:         defaultVerifyRetryDelay,
		},
		Schedule: ScheduleConfig{
			Archive:         defaultArchiveSchedule,
			Verify:          defaultVerifySchedule,
			ArchiveLookback: defaultArchiveLookback,
			MetricsAddr:     defaultMetricsAddr,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
