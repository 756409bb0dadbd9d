package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// Marker defaults.
const (
	markerPrefix            = ".pkgsync-pending-"
	defaultMarkerStaleAfter = 7 * 24 * time.Hour
	defaultMarkerWarnAfter  = 24 * time.Hour
	markerFilePerm          = 0o644
)

// MarkerFileName returns the deterministic marker name for a package.
func MarkerFileName(packageID int) string {
	return markerPrefix + strconv.Itoa(packageID)
}

// Marker is a pending-submission marker found on disk.
type Marker struct {
	Path    string
	ModTime time.Time
	Age     time.Duration
}

// MarkerStore reads, writes and removes pending-submission markers. A marker
// blocks resubmission of its package until the verifier confirms ingestion
// or the marker goes stale.
type MarkerStore struct {
	fs    afero.Fs
	clock clockwork.Clock
}

// NewMarkerStore creates a marker store over fsys.
func NewMarkerStore(fsys afero.Fs, clock clockwork.Clock) *MarkerStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &MarkerStore{fs: fsys, clock: clock}
}

// Find returns the first marker found in the package's local or share root.
// A nil Marker with nil error means none exists.
func (m *MarkerStore) Find(pkg *PackageRecord) (*Marker, error) {
	for _, p := range m.candidates(pkg) {
		info, err := m.fs.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("archive: checking marker %s: %w", p, err)
		}

		return &Marker{
			Path:    p,
			ModTime: info.ModTime(),
			Age:     m.clock.Since(info.ModTime()),
		}, nil
	}

	return nil, nil
}

// Write creates or replaces the marker in root, recording the status handle
// and submission time for operators inspecting the package directory.
func (m *MarkerStore) Write(root string, packageID int, statusHandle string) (string, error) {
	p := filepath.Join(root, MarkerFileName(packageID))
	body := fmt.Sprintf("package=%d\nsubmitted=%s\nstatus=%s\n",
		packageID, m.clock.Now().UTC().Format(time.RFC3339), statusHandle)

	if err := afero.WriteFile(m.fs, p, []byte(body), markerFilePerm); err != nil {
		return "", fmt.Errorf("archive: writing marker %s: %w", p, err)
	}

	if err := m.fs.Chtimes(p, m.clock.Now(), m.clock.Now()); err != nil {
		return "", fmt.Errorf("archive: stamping marker %s: %w", p, err)
	}

	return p, nil
}

// Remove deletes the marker from the local root, then the share root.
// Missing markers are not an error. Returns how many files were removed.
func (m *MarkerStore) Remove(localPath, sharePath string, packageID int) (int, error) {
	removed := 0

	var errs []error

	for _, root := range []string{localPath, sharePath} {
		if root == "" {
			continue
		}

		p := filepath.Join(root, MarkerFileName(packageID))

		err := m.fs.Remove(p)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, fmt.Errorf("archive: removing marker %s: %w", p, err))
		}
	}

	return removed, errors.Join(errs...)
}

func (m *MarkerStore) candidates(pkg *PackageRecord) []string {
	var out []string

	for _, root := range []string{pkg.LocalPath, pkg.SharePath} {
		if root != "" {
			out = append(out, filepath.Join(root, MarkerFileName(pkg.ID)))
		}
	}

	return out
}

// MarkerPolicy decides what an existing marker means for a new run.
type MarkerPolicy struct {
	StaleAfter time.Duration // older markers are deleted and the package proceeds
	WarnAfter  time.Duration // younger-than-stale markers past this age are warned about
}

// DefaultMarkerPolicy returns the standard marker thresholds.
func DefaultMarkerPolicy() MarkerPolicy {
	return MarkerPolicy{StaleAfter: defaultMarkerStaleAfter, WarnAfter: defaultMarkerWarnAfter}
}

// checkMarker applies the policy to a package. It returns ErrSubmissionPending
// when the package must be skipped, and removes stale markers.
func (e *Engine) checkMarker(pkg *PackageRecord) error {
	mk, err := e.markers.Find(pkg)
	if err != nil {
		e.n.warn(pkg.ID, "cannot check pending marker", err)
		return nil
	}

	if mk == nil {
		return nil
	}

	attrs := []slog.Attr{slog.String("marker", mk.Path), slog.Duration("age", mk.Age.Round(time.Second))}

	if e.cfg.Marker.StaleAfter > 0 && mk.Age >= e.cfg.Marker.StaleAfter {
		if _, rmErr := e.markers.Remove(pkg.LocalPath, pkg.SharePath, pkg.ID); rmErr != nil {
			e.n.warn(pkg.ID, "cannot remove stale marker", rmErr, attrs...)
			return fmt.Errorf("%w: stale marker could not be removed", ErrSubmissionPending)
		}

		e.n.info(pkg.ID, "removed stale pending marker", attrs...)

		return nil
	}

	if e.cfg.Marker.WarnAfter > 0 && mk.Age >= e.cfg.Marker.WarnAfter {
		e.n.warn(pkg.ID, "package blocked by an old pending marker", ErrSubmissionPending, attrs...)
	} else {
		e.n.debug(pkg.ID, "package has a pending submission", attrs...)
	}

	return fmt.Errorf("%w: marker %s", ErrSubmissionPending, mk.Path)
}
