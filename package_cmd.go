package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pkgsync/internal/archive"
)

func newPackageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Manage registered data packages",
	}

	cmd.AddCommand(newPackageAddCmd())
	cmd.AddCommand(newPackageListCmd())

	return cmd
}

func newPackageAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add ID",
		Short: "Register a package or update its paths",
		Long: `Register a data package with its local directory and optional network
share fallback. Running add again for an existing ID updates its name, owner,
paths and archive subdirectory.`,
		Args: cobra.ExactArgs(1),
		RunE: runPackageAdd,
	}

	cmd.Flags().String("name", "", "human-readable package name")
	cmd.Flags().String("owner", "", "owning user or group")
	cmd.Flags().String("local", "", "local directory holding the package files (required)")
	cmd.Flags().String("share", "", "network share used when the local directory is absent")
	cmd.Flags().String("subdir", "", "archive namespace root (defaults to the package ID)")

	_ = cmd.MarkFlagRequired("local")

	return cmd
}

func newPackageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered packages",
		RunE:  runPackageList,
	}
}

func runPackageAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return fmt.Errorf("package ID must be a positive integer, got %q", args[0])
	}

	name, _ := cmd.Flags().GetString("name")
	owner, _ := cmd.Flags().GetString("owner")
	local, _ := cmd.Flags().GetString("local")
	share, _ := cmd.Flags().GetString("share")
	subdir, _ := cmd.Flags().GetString("subdir")

	rec, err := newPackageRecord(id, name, owner, local, share, subdir)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.UpsertPackage(ctx, rec); err != nil {
		return err
	}

	cc.Logger.Info("package registered", "package_id", rec.ID, "local", rec.LocalPath)
	cc.Statusf("Registered package %d (%s)\n", rec.ID, rec.LocalPath)

	return nil
}

// newPackageRecord validates add arguments and fills defaults.
func newPackageRecord(id int, name, owner, local, share, subdir string) (archive.PackageRecord, error) {
	if local == "" {
		return archive.PackageRecord{}, errors.New("--local is required")
	}

	if !filepath.IsAbs(local) {
		return archive.PackageRecord{}, fmt.Errorf("--local must be an absolute path, got %q", local)
	}

	if share != "" && !filepath.IsAbs(share) {
		return archive.PackageRecord{}, fmt.Errorf("--share must be an absolute path, got %q", share)
	}

	if subdir == "" {
		subdir = strconv.Itoa(id)
	}

	if name == "" {
		name = filepath.Base(local)
	}

	return archive.PackageRecord{
		ID:        id,
		Name:      name,
		Owner:     owner,
		LocalPath: filepath.Clean(local),
		SharePath: share,
		Subdir:    subdir,
	}, nil
}

type packageJSON struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner,omitempty"`
	LocalPath   string    `json:"local_path"`
	SharePath   string    `json:"share_path,omitempty"`
	Subdir      string    `json:"subdir"`
	CreatedAt   time.Time `json:"created_at"`
	UploadCount int       `json:"upload_count"`
}

func runPackageList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	st, err := openStore(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	pkgs, err := st.ListPackages(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]packageJSON, 0, len(pkgs))
		for _, p := range pkgs {
			out = append(out, packageJSON{
				ID:          p.ID,
				Name:        p.Name,
				Owner:       p.Owner,
				LocalPath:   p.LocalPath,
				SharePath:   p.SharePath,
				Subdir:      p.Subdir,
				CreatedAt:   p.CreatedAt,
				UploadCount: p.UploadCount,
			})
		}

		return printJSON(os.Stdout, out)
	}

	if len(pkgs) == 0 {
		fmt.Println("No packages registered. Run 'pkgsync package add' to register one.")
		return nil
	}

	rows := make([][]string, 0, len(pkgs))
	for _, p := range pkgs {
		rows = append(rows, []string{
			strconv.Itoa(p.ID),
			p.Name,
			p.Owner,
			p.LocalPath,
			p.Subdir,
			strconv.Itoa(p.UploadCount),
			formatTime(p.CreatedAt),
		})
	}

	printTable(os.Stdout, []string{"ID", "NAME", "OWNER", "LOCAL", "SUBDIR", "UPLOADS", "CREATED"}, rows)

	return nil
}
