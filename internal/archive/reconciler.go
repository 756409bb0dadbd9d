package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// Reconciliation defaults.
const (
	defaultGraceWindow   = 24 * time.Hour
	defaultOldAge        = 30 * 24 * time.Hour
	defaultVeryOldAge    = 180 * 24 * time.Hour
	defaultLargeFileSize = 50 * 1024 * 1024
)

// HashSkipPolicy decides when a size match is trusted without hashing.
// It trades a small risk of treating a changed file as unchanged for bounded
// I/O on large, old packages. Changing the thresholds changes which files
// can be silently skipped; keep them explicit in configuration.
type HashSkipPolicy struct {
	OldAge        time.Duration // files modified longer ago than this are "old"
	VeryOldAge    time.Duration // old files beyond this are trusted at any size
	LargeFileSize int64         // old files at least this big are trusted
}

// DefaultHashSkipPolicy returns the standard thresholds: older than one
// month and either older than six months or at least 50 MiB.
func DefaultHashSkipPolicy() HashSkipPolicy {
	return HashSkipPolicy{
		OldAge:        defaultOldAge,
		VeryOldAge:    defaultVeryOldAge,
		LargeFileSize: defaultLargeFileSize,
	}
}

// AssumeEqual reports whether a size-equal catalog match for f may be taken
// as content-equal without hashing. A zero OldAge disables the shortcut.
func (p HashSkipPolicy) AssumeEqual(f *CandidateFile, now time.Time) bool {
	if p.OldAge <= 0 {
		return false
	}

	age := now.Sub(f.ModTime)
	if age <= p.OldAge {
		return false
	}

	return age > p.VeryOldAge || f.Size >= p.LargeFileSize
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	GraceWindow time.Duration // freshly archived entries are never re-examined
	HashSkip    HashSkipPolicy
}

// DefaultReconcileConfig returns the standard reconciliation settings.
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		GraceWindow: defaultGraceWindow,
		HashSkip:    DefaultHashSkipPolicy(),
	}
}

// Delta is the reconciliation result for one package.
type Delta struct {
	Manifest       []ManifestEntry
	NewCount       int
	UpdatedCount   int
	UnchangedCount int
	Bytes          int64 // total size of NEW and UPDATED files
	HashFailures   int   // files that could not be read; the package must not be submitted
}

// Empty reports whether nothing needs uploading.
func (d *Delta) Empty() bool {
	return len(d.Manifest) == 0
}

// Reconciler classifies candidates against a populated CatalogCache.
type Reconciler struct {
	fs      afero.Fs
	clock   clockwork.Clock
	cache   *CatalogCache
	cfg     ReconcileConfig
	metrics *Metrics
	n       notifier

	// hashFunc computes content hashes. Tests override it to count calls.
	hashFunc func(fs afero.Fs, path string) (string, error)
}

// NewReconciler creates a reconciler reading files from fsys and catalog
// state from cache.
func NewReconciler(
	fsys afero.Fs, clock clockwork.Clock, cache *CatalogCache, cfg ReconcileConfig, metrics *Metrics, obs Observer,
) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Reconciler{
		fs:       fsys,
		clock:    clock,
		cache:    cache,
		cfg:      cfg,
		metrics:  metrics,
		n:        notifier{obs: orDiscard(obs)},
		hashFunc: HashFile,
	}
}

// Reconcile classifies every candidate of a package and builds its manifest.
// Each NEW or UPDATED file appears in the manifest exactly once.
func (r *Reconciler) Reconcile(ctx context.Context, pkg *PackageRecord, files []CandidateFile) (*Delta, error) {
	d := &Delta{}

	for i := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f := &files[i]

		dec, err := r.Classify(pkg, f)
		if err != nil {
			r.n.warn(pkg.ID, "cannot classify file", err,
				slog.String("path", f.RelPath))
			d.HashFailures++

			continue
		}

		r.metrics.countDecision(dec.Kind)

		if !dec.NeedsUpload() {
			d.UnchangedCount++
			continue
		}

		if dec.Kind == DecisionNew {
			d.NewCount++
		} else {
			d.UpdatedCount++
		}

		d.Bytes += f.Size
		d.Manifest = append(d.Manifest, ManifestEntry{
			LocalPath:      f.AbsPath,
			ArchiveSubpath: f.ArchiveSubpath(pkg.Subdir),
			Filename:       f.Name(),
			Size:           f.Size,
			Hash:           dec.Hash,
			Kind:           dec.Kind,
		})
	}

	r.n.debug(pkg.ID, "reconciliation complete",
		slog.Int("new", d.NewCount),
		slog.Int("updated", d.UpdatedCount),
		slog.Int("unchanged", d.UnchangedCount),
		slog.Int64("bytes", d.Bytes),
	)

	return d, nil
}

// Classify decides whether one candidate is NEW, UPDATED or UNCHANGED.
// An error means the file could not be hashed.
func (r *Reconciler) Classify(pkg *PackageRecord, f *CandidateFile) (UploadDecision, error) {
	matches := r.cache.Lookup(pkg.ID, f.ArchiveSubpath(pkg.Subdir), f.Name())
	if len(matches) == 0 {
		return UploadDecision{Kind: DecisionNew}, nil
	}

	now := r.clock.Now()

	var (
		hash          string
		hashed        bool
		sizeEqualSeen bool
		mismatchSeen  bool
	)

	for i := range matches {
		m := &matches[i]

		if now.Sub(m.SubmittedAt) < r.cfg.GraceWindow {
			r.n.debug(pkg.ID, "catalog entry within grace window, not re-examined",
				slog.String("path", f.RelPath), slog.Time("submitted_at", m.SubmittedAt))

			return UploadDecision{Kind: DecisionUnchanged, Hash: hash}, nil
		}

		if m.Size != f.Size {
			mismatchSeen = true
			continue
		}

		if r.cfg.HashSkip.AssumeEqual(f, now) {
			sizeEqualSeen = true
			continue
		}

		if !hashed {
			h, err := r.hashFunc(r.fs, f.AbsPath)
			if err != nil {
				return UploadDecision{}, err
			}

			hash, hashed = h, true
		}

		if hash == m.Hash {
			return UploadDecision{Kind: DecisionUnchanged, Hash: hash}, nil
		}

		mismatchSeen = true
	}

	switch {
	case sizeEqualSeen && !mismatchSeen:
		return UploadDecision{Kind: DecisionUnchanged, Hash: hash}, nil
	case sizeEqualSeen && mismatchSeen:
		r.n.debug(pkg.ID, "unhashed size match alongside mismatched entries, treating as updated",
			slog.String("path", f.RelPath), slog.Int("matches", len(matches)))
	}

	return UploadDecision{Kind: DecisionUpdated, Hash: hash}, nil
}
