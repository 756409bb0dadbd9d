package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pkgsync/internal/archive"
	"github.com/tonimelisma/pkgsync/internal/store"
)

const defaultStatusLimit = 20

// Verification state labels for uploads listed by status.
const (
	uploadStateFailed    = "failed"
	uploadStateHeld      = "held"
	uploadStatePending   = "pending"
	uploadStateAvailable = "available"
	uploadStateVerified  = "verified"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent submissions, outstanding verifications and operator errors",
		Long: `Display the state recorded in the database: the most recent submission
attempts with their verification flags, the uploads still awaiting
verification, and the newest operator-actionable errors.

Reads from the database only; does not contact the archive service.`,
		RunE: runStatus,
	}

	cmd.Flags().Int("limit", defaultStatusLimit, "number of recent uploads and log entries to show")

	return cmd
}

type statusUpload struct {
	EntryID     int64     `json:"entry_id"`
	PackageID   int       `json:"package_id"`
	SessionID   string    `json:"session_id,omitempty"`
	State       string    `json:"state"`
	New         int       `json:"new"`
	Updated     int       `json:"updated"`
	Bytes       int64     `json:"bytes"`
	SubmittedAt time.Time `json:"submitted_at"`
	ErrorCode   int       `json:"error_code,omitempty"`
}

type statusLogEntry struct {
	PackageID int       `json:"package_id"`
	Message   string    `json:"message"`
	LoggedAt  time.Time `json:"logged_at"`
}

type statusReport struct {
	Outstanding int              `json:"outstanding"`
	Recent      []statusUpload   `json:"recent_uploads"`
	Errors      []statusLogEntry `json:"operator_log"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}

	st, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	outstanding, err := st.ListOutstandingUploads(ctx)
	if err != nil {
		return err
	}

	uploads, err := st.RecentUploads(ctx, limit)
	if err != nil {
		return err
	}

	entries, err := st.RecentOperatorLog(ctx, limit)
	if err != nil {
		return err
	}

	report := buildStatusReport(outstanding, uploads, entries)

	if cc.Flags.JSON {
		return printJSON(os.Stdout, report)
	}

	printStatus(report)

	return nil
}

func buildStatusReport(
	outstanding []archive.VerificationRecord, uploads []store.UploadRow, entries []store.OperatorLogEntry,
) statusReport {
	report := statusReport{
		Outstanding: len(outstanding),
		Recent:      make([]statusUpload, 0, len(uploads)),
		Errors:      make([]statusLogEntry, 0, len(entries)),
	}

	for _, u := range uploads {
		report.Recent = append(report.Recent, statusUpload{
			EntryID:     u.EntryID,
			PackageID:   u.Session.PackageID,
			SessionID:   u.Session.ID,
			State:       uploadState(u),
			New:         u.Session.NewCount,
			Updated:     u.Session.UpdatedCount,
			Bytes:       u.Session.Bytes,
			SubmittedAt: u.Session.EnteredAt,
			ErrorCode:   u.Session.ErrorCode,
		})
	}

	for _, e := range entries {
		report.Errors = append(report.Errors, statusLogEntry{
			PackageID: e.PackageID,
			Message:   e.Message,
			LoggedAt:  e.LoggedAt,
		})
	}

	return report
}

// uploadState collapses the session result and verification flags into one label.
func uploadState(u store.UploadRow) string {
	switch {
	case !u.Session.Succeeded():
		return uploadStateFailed
	case u.Held != "":
		return uploadStateHeld
	case u.Verified:
		return uploadStateVerified
	case u.Available:
		return uploadStateAvailable
	default:
		return uploadStatePending
	}
}

func printStatus(r statusReport) {
	fmt.Printf("Outstanding verifications: %d\n\n", r.Outstanding)

	if len(r.Recent) == 0 {
		fmt.Println("No uploads recorded.")
	} else {
		rows := make([][]string, 0, len(r.Recent))
		for _, u := range r.Recent {
			rows = append(rows, []string{
				strconv.FormatInt(u.EntryID, 10),
				strconv.Itoa(u.PackageID),
				u.State,
				strconv.Itoa(u.New),
				strconv.Itoa(u.Updated),
				formatSize(u.Bytes),
				formatTime(u.SubmittedAt),
			})
		}

		printTable(os.Stdout, []string{"ENTRY", "PACKAGE", "STATE", "NEW", "UPDATED", "SIZE", "SUBMITTED"}, rows)
	}

	if len(r.Errors) == 0 {
		return
	}

	fmt.Println()
	fmt.Println("Operator log:")

	rows := make([][]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		rows = append(rows, []string{formatTime(e.LoggedAt), strconv.Itoa(e.PackageID), e.Message})
	}

	printTable(os.Stdout, []string{"TIME", "PACKAGE", "MESSAGE"}, rows)
}
