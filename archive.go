package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pkgsync/internal/archive"
	"github.com/tonimelisma/pkgsync/internal/pkgid"
)

// errPackagesFailed is returned when a run finished but some packages failed.
var errPackagesFailed = errors.New("some packages failed to archive")

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive [ID-RANGES...]",
		Short: "Archive new and changed files of data packages",
		Long: `Reconcile the given packages against the archive catalog and submit every
new or changed file. IDs accept ranges such as "1-5, 9, 12-14".

The run takes the run lock (schedule.pid_file) and refuses to start while the
daemon or another run holds it. --preview takes no lock.

Exit code 0 when every package succeeded, 1 when any package failed.`,
		RunE: runArchive,
	}

	cmd.Flags().Bool("all", false, "archive every registered package")
	cmd.Flags().String("since", "", "skip packages with no file modified since this date (2006-01-02) or duration ago (72h)")
	cmd.Flags().Bool("preview", false, "reconcile and report without submitting")

	return cmd
}

func runArchive(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	all, _ := cmd.Flags().GetBool("all")
	preview, _ := cmd.Flags().GetBool("preview")
	sinceFlag, _ := cmd.Flags().GetString("since")

	if all == (len(args) > 0) {
		return errors.New("specify package ID ranges or --all, not both")
	}

	since, err := parseSince(sinceFlag, time.Now())
	if err != nil {
		return err
	}

	// Preview writes nothing, so it may run beside the daemon.
	if !preview {
		release, lockErr := acquireRunLock(cc.Cfg.Schedule.PIDFile, lockRoleArchive)
		if lockErr != nil {
			return lockErr
		}
		defer release()
	}

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger, cc.Cfg.Schedule.ShutdownTimeout)
	defer stop()

	st, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	var ids []int
	if all {
		ids, err = st.ListPackageIDs(ctx)
	} else {
		ids, err = pkgid.ParseAll(args)
	}

	if err != nil {
		return err
	}

	engine, err := newEngine(ctx, cc, st, nil)
	if err != nil {
		return err
	}

	report, err := engine.Run(ctx, ids, archive.RunOptions{Since: since, Preview: preview})
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, toRunReportJSON(report)); err != nil {
			return err
		}
	} else {
		printRunReport(cc, report)
	}

	if n := report.Failed(); n > 0 {
		return &exitError{code: 1, err: fmt.Errorf("%w: %d of %d", errPackagesFailed, n, len(report.Outcomes))}
	}

	return nil
}

// parseSince accepts a calendar date or a duration measured back from now.
// An empty value disables the threshold.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since: duration must be positive, got %s", s)
		}

		return now.Add(-d), nil
	}

	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: want a date like 2006-01-02 or a duration like 72h, got %q", s)
	}

	return t, nil
}

type outcomeJSON struct {
	PackageID int    `json:"package_id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	Files     int    `json:"files"`
	New       int    `json:"new"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Bytes     int64  `json:"bytes"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type runReportJSON struct {
	Started  time.Time     `json:"started"`
	Duration string        `json:"duration"`
	Preview  bool          `json:"preview"`
	Batches  int           `json:"batches"`
	Failed   int           `json:"failed"`
	Packages []outcomeJSON `json:"packages"`
}

func toRunReportJSON(r *archive.RunReport) runReportJSON {
	out := runReportJSON{
		Started:  r.Started,
		Duration: r.Duration.Round(time.Millisecond).String(),
		Preview:  r.Preview,
		Batches:  r.Batches,
		Failed:   r.Failed(),
		Packages: make([]outcomeJSON, 0, len(r.Outcomes)),
	}

	for _, o := range r.Outcomes {
		out.Packages = append(out.Packages, outcomeJSON{
			PackageID: o.PackageID,
			Name:      o.Name,
			Status:    o.Status.String(),
			Files:     o.Files,
			New:       o.New,
			Updated:   o.Updated,
			Unchanged: o.Unchanged,
			Bytes:     o.Bytes,
			SessionID: o.SessionID,
			Error:     errString(o.Err),
		})
	}

	return out
}

func printRunReport(cc *CLIContext, r *archive.RunReport) {
	rows := make([][]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		rows = append(rows, []string{
			strconv.Itoa(o.PackageID),
			o.Name,
			o.Status.String(),
			strconv.Itoa(o.New),
			strconv.Itoa(o.Updated),
			strconv.Itoa(o.Unchanged),
			formatSize(o.Bytes),
			errString(o.Err),
		})
	}

	printTable(os.Stdout, []string{"ID", "NAME", "STATUS", "NEW", "UPDATED", "UNCHANGED", "SIZE", "ERROR"}, rows)

	mode := "Archive"
	if r.Preview {
		mode = "Preview"
	}

	cc.Statusf("\n%s finished in %s: %d submitted, %d unchanged, %d pending, %d failed (%d batches)\n",
		mode,
		r.Duration.Round(time.Millisecond),
		r.Count(archive.OutcomeSubmitted)+r.Count(archive.OutcomePreview),
		r.Count(archive.OutcomeUnchanged)+r.Count(archive.OutcomeNoRecentFiles),
		r.Count(archive.OutcomePending),
		r.Failed(),
		r.Batches,
	)
}
