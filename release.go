package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release ENTRY_ID...",
		Short: "Return held uploads to verification",
		Long: `Verification holds an upload the archive refused for a reason a person
must fix, such as an unregistered submitter. Once fixed, release the entry
(shown as "held" by 'pkgsync status') and the next verify pass polls it again.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRelease,
	}
}

func runRelease(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	entries := make([]int64, 0, len(args))

	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("entry ID must be a positive integer, got %q", a)
		}

		entries = append(entries, id)
	}

	st, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, id := range entries {
		if err := st.ReleaseUpload(ctx, id); err != nil {
			return err
		}

		cc.Logger.Info("upload released", "entry_id", id)
		cc.Statusf("Released entry %d\n", id)
	}

	return nil
}
