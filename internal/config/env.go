package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "PKGSYNC_CONFIG"
	EnvStoreDSN     = "PKGSYNC_STORE_DSN"
	EnvArchiveToken = "PKGSYNC_ARCHIVE_TOKEN"
	EnvClientSecret = "PKGSYNC_ARCHIVE_CLIENT_SECRET"
	EnvArchiveURL   = "PKGSYNC_ARCHIVE_URL"
)

// EnvOverrides holds values derived from environment variables. Secrets are
// usually supplied this way so they stay out of the config file.
type EnvOverrides struct {
	ConfigPath   string // PKGSYNC_CONFIG: override config file path
	StoreDSN     string // PKGSYNC_STORE_DSN: database connection string
	ArchiveToken string // PKGSYNC_ARCHIVE_TOKEN: static bearer token
	ClientSecret string // PKGSYNC_ARCHIVE_CLIENT_SECRET: OAuth2 client secret
	ArchiveURL   string // PKGSYNC_ARCHIVE_URL: archive service base URL
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		StoreDSN:     os.Getenv(EnvStoreDSN),
		ArchiveToken: os.Getenv(EnvArchiveToken),
		ClientSecret: os.Getenv(EnvClientSecret),
		ArchiveURL:   os.Getenv(EnvArchiveURL),
	}
}
