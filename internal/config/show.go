package config

import (
	"fmt"
	"io"
	"strings"
)

// redacted replaces secrets in rendered output.
const redacted = "(set)"

// RenderEffective writes the resolved configuration as an annotated summary
// to w. This powers "config show", giving users visibility into the values
// after all override layers have been applied. Secrets are never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", orNone(r.ConfigPath))

	ew.printf("[store]\n")
	ew.printf("  dialect       = %q\n", r.Store.Dialect)
	ew.printf("  dsn           = %q\n", redactDSN(r.Store.DSN))
	ew.printf("  retry_count   = %d\n", r.Store.RetryCount)
	ew.printf("  retry_delay   = %q\n\n", r.Store.RetryDelay)

	ew.printf("[archive]\n")
	ew.printf("  base_url      = %q\n", r.Archive.BaseURL)
	ew.printf("  auth          = %q\n", authMode(r))
	ew.printf("  timeout       = %q\n", r.Archive.Timeout)
	ew.printf("  status_rate   = %g\n", r.Archive.StatusRate)
	ew.printf("  sentinel      = %d\n\n", r.Engine.SentinelPackageID)

	f := r.Engine.Filter
	ew.printf("[filter]\n")
	ew.printf("  skip_names         = [%s]\n", joinQuoted(f.SkipNames))
	ew.printf("  blocked_extensions = [%s]\n", joinQuoted(f.BlockedExtensions))
	ew.printf("  max_files          = %d\n", f.MaxFiles)

	if f.JobDirPattern != nil {
		ew.printf("  job_dir_pattern    = %q\n", f.JobDirPattern.String())
	}

	ew.printf("  job_dir_freshness  = %q\n", f.JobDirFreshness)
	ew.printf("  ignore_file        = %q\n\n", f.IgnoreFile)

	rc := r.Engine.Reconcile
	ew.printf("[reconcile]\n")
	ew.printf("  grace_window    = %q\n", rc.GraceWindow)
	ew.printf("  old_age         = %q\n", rc.HashSkip.OldAge)
	ew.printf("  very_old_age    = %q\n", rc.HashSkip.VeryOldAge)
	ew.printf("  large_file_size = %q\n\n", formatByteSize(rc.HashSkip.LargeFileSize))

	ew.printf("[marker]\n")
	ew.printf("  stale_after = %q\n", r.Engine.Marker.StaleAfter)
	ew.printf("  warn_after  = %q\n\n", r.Engine.Marker.WarnAfter)

	ew.printf("[batch]\n")
	ew.printf("  max_files    = %d\n", r.Engine.Batch.MaxFiles)
	ew.printf("  max_packages = %d\n\n", r.Engine.Batch.MaxPackages)

	v := r.Engine.Verify
	ew.printf("[verify]\n")
	ew.printf("  group_size          = %d\n", v.GroupSize)
	ew.printf("  escalate_after      = %q\n", v.EscalateAfter)
	ew.printf("  exception_threshold = %d\n", v.ExceptionThreshold)
	ew.printf("  retry_delay         = %q\n\n", v.RetryDelay)

	s := r.Schedule
	ew.printf("[schedule]\n")
	ew.printf("  archive          = %q\n", s.Archive)
	ew.printf("  verify           = %q\n", s.Verify)
	ew.printf("  archive_lookback = %q\n", s.ArchiveLookback)
	ew.printf("  metrics_addr     = %q\n", s.MetricsAddr)
	ew.printf("  pid_file         = %q\n", s.PIDFile)
	ew.printf("  shutdown_timeout = %q\n\n", s.ShutdownTimeout)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.Logging.LogLevel)
	ew.printf("  log_file   = %q\n", r.Logging.LogFile)
	ew.printf("  log_format = %q\n", r.Logging.LogFormat)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func authMode(r *Resolved) string {
	switch {
	case r.Archive.Auth.Token != "":
		return "static token " + redacted
	case r.Archive.Auth.ClientID != "":
		return "client credentials for " + r.Archive.Auth.ClientID
	default:
		return "none"
	}
}

// redactDSN hides the password of a URL-style DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}

	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}

	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}

	return scheme + "://" + user + ":" + redacted + "@" + host
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}

	return s
}

func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}
