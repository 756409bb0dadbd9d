package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
)

// Filter defaults. The blocked extensions are raw instrument formats that
// are archived through the instrument pipeline, never through packages.
const (
	defaultHiddenTempPrefix = "~$"
	defaultJobDirPattern    = `^[A-Z]{3}\d{12}_Auto\d+$`
	defaultJobDirFreshness  = 4 * time.Hour
	defaultMaxFiles         = 10000
	defaultIgnoreFile       = ".archiveignore"
)

var (
	defaultSkipNames = []string{
		"Thumbs.db", ".DS_Store", "desktop.ini", ".localized", "Icon\r", "._.DS_Store",
	}
	defaultBlockedExtensions = []string{
		".raw", ".wiff", ".wiff2", ".wiff.scan", ".baf", ".tdf_bin", ".uimf",
	}
)

// FilterConfig controls which files of a package are archival candidates.
type FilterConfig struct {
	SkipNames         []string       // exact file names that are never archived
	BlockedExtensions []string       // lowercase extensions, leading dot, may be compound
	HiddenTempPrefix  string         // editor temp-file marker, e.g. "~$"
	JobDirPattern     *regexp.Regexp // automated job output directory names
	JobDirFreshness   time.Duration  // quarantine job dirs with files newer than this
	MaxFiles          int            // hard candidate ceiling per package
	IgnoreFile        string         // per-package gitignore-style file, "" disables
}

// DefaultFilterConfig returns the filter settings used when none are configured.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		SkipNames:         append([]string(nil), defaultSkipNames...),
		BlockedExtensions: append([]string(nil), defaultBlockedExtensions...),
		HiddenTempPrefix:  defaultHiddenTempPrefix,
		JobDirPattern:     regexp.MustCompile(defaultJobDirPattern),
		JobDirFreshness:   defaultJobDirFreshness,
		MaxFiles:          defaultMaxFiles,
		IgnoreFile:        defaultIgnoreFile,
	}
}

// FilterStatus describes a successful filter pass.
type FilterStatus int

const (
	// FilterOK means candidates were collected.
	FilterOK FilterStatus = iota
	// FilterNoRecentFiles means nothing was modified on or after the date
	// threshold; informational, not an error.
	FilterNoRecentFiles
)

// FilterResult is the outcome of one filter pass over a package.
type FilterResult struct {
	Root        string
	Candidates  []CandidateFile
	Status      FilterStatus
	Skipped     int      // files dropped by rules a–c, e, f
	Quarantined []string // job directories skipped because they are still being written
}

// CandidateFilter walks a package tree and yields archival candidates.
type CandidateFilter struct {
	fs      afero.Fs
	clock   clockwork.Clock
	cfg     FilterConfig
	n       notifier
	skip    mapset.Set[string]
	blocked mapset.Set[string]
}

// NewCandidateFilter creates a filter over fsys.
func NewCandidateFilter(fsys afero.Fs, clock clockwork.Clock, cfg FilterConfig, obs Observer) *CandidateFilter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	blocked := mapset.NewThreadUnsafeSet[string]()
	for _, ext := range cfg.BlockedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		blocked.Add(ext)
	}

	return &CandidateFilter{
		fs:      fsys,
		clock:   clock,
		cfg:     cfg,
		n:       notifier{obs: orDiscard(obs)},
		skip:    mapset.NewThreadUnsafeSet(cfg.SkipNames...),
		blocked: blocked,
	}
}

// ResolveRoot returns the package's local path when it exists, else its
// share path. ErrPackageDirMissing when neither is a directory.
func (f *CandidateFilter) ResolveRoot(pkg *PackageRecord) (string, error) {
	for _, p := range []string{pkg.LocalPath, pkg.SharePath} {
		if p == "" {
			continue
		}

		ok, err := afero.DirExists(f.fs, p)
		if err != nil {
			f.n.warn(pkg.ID, "cannot stat package directory", err, slog.String("path", p))
			continue
		}

		if ok {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w: package %d (local %q, share %q)",
		ErrPackageDirMissing, pkg.ID, pkg.LocalPath, pkg.SharePath)
}

// CountFiles returns the number of non-empty regular files under the
// package root. The planner uses it to size batches before any filtering.
func (f *CandidateFilter) CountFiles(pkg *PackageRecord) (int, error) {
	root, err := f.ResolveRoot(pkg)
	if err != nil {
		return 0, err
	}

	count := 0

	err = afero.Walk(f.fs, root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are counted as absent
		}

		if info.Mode().IsRegular() && info.Size() > 0 {
			count++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive: counting files of package %d: %w", pkg.ID, err)
	}

	return count, nil
}

// Collect walks the package tree and applies the filter rules in order.
// ErrTooManyFiles when the surviving candidates exceed the ceiling. When
// since is non-zero and no candidate was modified on or after it, the
// result is empty with Status FilterNoRecentFiles.
func (f *CandidateFilter) Collect(ctx context.Context, pkg *PackageRecord, since time.Time) (*FilterResult, error) {
	root, err := f.ResolveRoot(pkg)
	if err != nil {
		return nil, err
	}

	res := &FilterResult{Root: root}
	gi := f.loadIgnoreFile(pkg.ID, root)
	marker := MarkerFileName(pkg.ID)

	walkErr := afero.Walk(f.fs, root, func(p string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			f.n.warn(pkg.ID, "cannot read entry, skipping", err, slog.String("path", p))
			return nil
		}

		rel, relErr := relativePath(root, p)
		if relErr != nil {
			return relErr
		}

		if info.IsDir() {
			return f.visitDir(pkg.ID, p, rel, info, gi, res)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		if reason := f.excludeFile(rel, info, gi, marker); reason != "" {
			f.n.debug(pkg.ID, "file excluded", slog.String("path", rel), slog.String("reason", reason))
			res.Skipped++

			return nil
		}

		res.Candidates = append(res.Candidates, CandidateFile{
			AbsPath: p,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			RelPath: rel,
		})

		if f.cfg.MaxFiles > 0 && len(res.Candidates) > f.cfg.MaxFiles {
			return ErrTooManyFiles
		}

		return nil
	})

	if errors.Is(walkErr, ErrTooManyFiles) {
		return nil, fmt.Errorf("%w: package %d has more than %d files", ErrTooManyFiles, pkg.ID, f.cfg.MaxFiles)
	}

	if walkErr != nil {
		return nil, fmt.Errorf("archive: walking package %d: %w", pkg.ID, walkErr)
	}

	if !since.IsZero() && !anyModifiedSince(res.Candidates, since) {
		f.n.info(pkg.ID, "no files modified since threshold",
			slog.Time("since", since), slog.Int("files", len(res.Candidates)))

		res.Candidates = nil
		res.Status = FilterNoRecentFiles
	}

	return res, nil
}

// visitDir decides whether the walk descends into a directory.
func (f *CandidateFilter) visitDir(
	pkgID int, absPath, rel string, info os.FileInfo, gi *ignore.GitIgnore, res *FilterResult,
) error {
	if rel == "" {
		return nil
	}

	if gi != nil && gi.MatchesPath(rel+"/") {
		f.n.debug(pkgID, "directory excluded by ignore file", slog.String("path", rel))
		return filepath.SkipDir
	}

	if f.cfg.JobDirPattern == nil || !f.cfg.JobDirPattern.MatchString(info.Name()) {
		return nil
	}

	fresh, err := f.hasFreshFile(absPath)
	if err != nil {
		f.n.warn(pkgID, "cannot inspect job directory, quarantining", err, slog.String("path", rel))
		fresh = true
	}

	if fresh {
		f.n.debug(pkgID, "job directory quarantined, recently modified",
			slog.String("path", rel), slog.Duration("window", f.cfg.JobDirFreshness))
		res.Quarantined = append(res.Quarantined, rel)

		return filepath.SkipDir
	}

	return nil
}

// excludeFile returns a non-empty reason when the file is not a candidate.
func (f *CandidateFilter) excludeFile(rel string, info os.FileInfo, gi *ignore.GitIgnore, marker string) string {
	name := info.Name()

	switch {
	case info.Size() == 0:
		return "empty file"
	case name == marker:
		return "pending submission marker"
	case f.cfg.IgnoreFile != "" && rel == f.cfg.IgnoreFile:
		return "ignore file"
	case f.skip.Contains(name):
		return "skip list"
	case f.isBlockedExtension(name):
		return "blocked extension"
	case f.cfg.HiddenTempPrefix != "" && strings.HasPrefix(name, f.cfg.HiddenTempPrefix) && isHidden(info):
		return "hidden temporary file"
	case gi != nil && gi.MatchesPath(rel):
		return "ignore file pattern"
	}

	return ""
}

func (f *CandidateFilter) isBlockedExtension(name string) bool {
	lower := strings.ToLower(name)

	if f.blocked.Contains(strings.ToLower(filepath.Ext(lower))) {
		return true
	}

	// Compound extensions such as ".wiff.scan".
	blocked := false

	f.blocked.Each(func(ext string) bool {
		if strings.Count(ext, ".") > 1 && strings.HasSuffix(lower, ext) {
			blocked = true
			return true
		}

		return false
	})

	return blocked
}

// hasFreshFile reports whether any file below dir was modified within the
// job freshness window.
func (f *CandidateFilter) hasFreshFile(dir string) (bool, error) {
	cutoff := f.clock.Now().Add(-f.cfg.JobDirFreshness)
	errFound := errors.New("fresh file found")

	err := afero.Walk(f.fs, dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && info.ModTime().After(cutoff) {
			return errFound
		}

		return nil
	})

	if errors.Is(err, errFound) {
		return true, nil
	}

	return false, err
}

// loadIgnoreFile parses the package's ignore file. Returns nil when the
// feature is disabled or the file does not exist.
func (f *CandidateFilter) loadIgnoreFile(pkgID int, root string) *ignore.GitIgnore {
	if f.cfg.IgnoreFile == "" {
		return nil
	}

	data, err := afero.ReadFile(f.fs, filepath.Join(root, f.cfg.IgnoreFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.n.warn(pkgID, "cannot read ignore file", err)
		}

		return nil
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	f.n.debug(pkgID, "loaded ignore file", slog.Int("lines", len(lines)))

	return ignore.CompileIgnoreLines(lines...)
}

// relativePath returns p relative to root as a slash-separated NFC path.
// The root itself maps to "".
func relativePath(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", fmt.Errorf("archive: relative path of %s: %w", p, err)
	}

	if rel == "." {
		return "", nil
	}

	return norm.NFC.String(filepath.ToSlash(rel)), nil
}

func anyModifiedSince(files []CandidateFile, since time.Time) bool {
	for i := range files {
		if !files[i].ModTime.Before(since) {
			return true
		}
	}

	return false
}
