package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pkgsync/internal/archive"
)

var errVerificationAborted = errors.New("verification aborted")

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Confirm that submitted uploads were ingested by the archive",
		Long: `Poll the ingest status of every outstanding submission and cross-check
completed ones against the archive catalog. Updates the available and verified
flags in the database.

The pass takes the run lock and refuses to start while the daemon or another
run holds it. Exit code 0 when the pass completed; exit code 1 when a
critical error aborted it.`,
		RunE: runVerify,
	}
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	report, err := loadAndVerify(cmd, cc)
	if report == nil {
		return err
	}

	if cc.Flags.JSON {
		if jerr := printJSON(os.Stdout, toVerifyReportJSON(report)); jerr != nil {
			return jerr
		}
	} else {
		printVerifyReport(cc, report)
	}

	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("%w: %w", errVerificationAborted, err)}
	}

	if report.Aborted {
		return &exitError{code: 1, err: errVerificationAborted}
	}

	return nil
}

// loadAndVerify opens the store, runs one verification pass and closes the
// store before the caller decides the exit code.
func loadAndVerify(cmd *cobra.Command, cc *CLIContext) (*archive.VerifyReport, error) {
	release, err := acquireRunLock(cc.Cfg.Schedule.PIDFile, lockRoleVerify)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger, cc.Cfg.Schedule.ShutdownTimeout)
	defer stop()

	st, err := openStore(ctx, cc)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	engine, err := newEngine(ctx, cc, st, nil)
	if err != nil {
		return nil, err
	}

	return engine.Verify(ctx)
}

type verifyResultJSON struct {
	EntryID   int64   `json:"entry_id"`
	PackageID int     `json:"package_id"`
	State     string  `json:"state"`
	Percent   float64 `json:"percent_complete"`
	Available bool    `json:"available"`
	Verified  bool    `json:"verified"`
	Escalated bool    `json:"escalated,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type verifyReportJSON struct {
	Started  time.Time          `json:"started"`
	Duration string             `json:"duration"`
	Aborted  bool               `json:"aborted"`
	Results  []verifyResultJSON `json:"results"`
}

func toVerifyReportJSON(r *archive.VerifyReport) verifyReportJSON {
	out := verifyReportJSON{
		Started:  r.Started,
		Duration: r.Duration.Round(time.Millisecond).String(),
		Aborted:  r.Aborted,
		Results:  make([]verifyResultJSON, 0, len(r.Results)),
	}

	for _, res := range r.Results {
		out.Results = append(out.Results, verifyResultJSON{
			EntryID:   res.Record.EntryID,
			PackageID: res.Record.PackageID,
			State:     res.State.String(),
			Percent:   res.Percent,
			Available: res.Record.Available,
			Verified:  res.Record.Verified,
			Escalated: res.Escalated,
			Error:     errString(res.Err),
		})
	}

	return out
}

func printVerifyReport(cc *CLIContext, r *archive.VerifyReport) {
	if len(r.Results) == 0 {
		cc.Statusf("No outstanding uploads.\n")
		return
	}

	rows := make([][]string, 0, len(r.Results))
	for _, res := range r.Results {
		rows = append(rows, []string{
			strconv.FormatInt(res.Record.EntryID, 10),
			strconv.Itoa(res.Record.PackageID),
			res.State.String(),
			strconv.FormatFloat(res.Percent, 'f', 0, 64) + "%",
			formatAge(time.Since(res.Record.EnteredAt)),
			errString(res.Err),
		})
	}

	printTable(os.Stdout, []string{"ENTRY", "PACKAGE", "STATE", "PROGRESS", "AGE", "ERROR"}, rows)

	cc.Statusf("\nVerified %d, pending %d, unavailable %d, failed %d, critical %d in %s\n",
		r.Count(archive.VerifyVerified),
		r.Count(archive.VerifyPending),
		r.Count(archive.VerifyUnavailable),
		r.Count(archive.VerifyFailed),
		r.Count(archive.VerifyCritical),
		r.Duration.Round(time.Millisecond),
	)

	if r.Aborted {
		cc.Statusf("Pass aborted by a critical error; remaining records were not checked.\n")
	}
}
