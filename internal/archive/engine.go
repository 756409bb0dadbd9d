package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// OutcomeStatus is the per-package result of an archive run.
type OutcomeStatus int

// Package outcomes. Submitted, unchanged, no-recent-files and preview count
// as successful; pending and failed do not.
const (
	OutcomeSubmitted OutcomeStatus = iota
	OutcomeUnchanged
	OutcomeNoRecentFiles
	OutcomePreview
	OutcomePending
	OutcomeFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSubmitted:
		return "submitted"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeNoRecentFiles:
		return "no_recent_files"
	case OutcomePreview:
		return "preview"
	case OutcomePending:
		return "pending"
	default:
		return "failed"
	}
}

// Successful reports whether the outcome counts as a success for the run.
func (s OutcomeStatus) Successful() bool {
	return s <= OutcomePreview
}

// PackageOutcome records what happened to one package.
type PackageOutcome struct {
	PackageID int
	Name      string
	Status    OutcomeStatus
	Files     int // candidates after filtering
	New       int
	Updated   int
	Unchanged int
	Bytes     int64
	SessionID string
	Err       error
}

// RunReport summarizes an archive run.
type RunReport struct {
	Started  time.Time
	Duration time.Duration
	Preview  bool
	Batches  int
	Outcomes []PackageOutcome
	Sessions []UploadSession
}

// Count returns how many packages ended with status s.
func (r *RunReport) Count(s OutcomeStatus) int {
	return lo.CountBy(r.Outcomes, func(o PackageOutcome) bool { return o.Status == s })
}

// Failed returns how many packages did not succeed.
func (r *RunReport) Failed() int {
	return lo.CountBy(r.Outcomes, func(o PackageOutcome) bool { return !o.Status.Successful() })
}

// RunOptions tunes one archive run.
type RunOptions struct {
	Since   time.Time // date threshold; zero disables it
	Preview bool      // reconcile and report without submitting
}

// EngineConfig holds the tunables of every pipeline stage.
type EngineConfig struct {
	SentinelPackageID int // known-good package checked before any work; 0 disables
	Filter            FilterConfig
	Reconcile         ReconcileConfig
	Batch             BatchLimits
	Marker            MarkerPolicy
	Verify            VerifyConfig
}

// DefaultEngineConfig returns the standard settings with no sentinel.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Filter:    DefaultFilterConfig(),
		Reconcile: DefaultReconcileConfig(),
		Batch:     DefaultBatchLimits(),
		Marker:    DefaultMarkerPolicy(),
		Verify:    DefaultVerifyConfig(),
	}
}

// EngineDeps are the collaborators of an Engine. FS, Clock, Observer and
// Metrics are optional.
type EngineDeps struct {
	Store    Store
	Catalog  Catalog
	Uploader Uploader
	Status   StatusService
	FS       afero.Fs
	Clock    clockwork.Clock
	Observer Observer
	Metrics  *Metrics
}

// Engine drives archive runs and verification passes. One run at a time;
// callers serialize Run and Verify.
type Engine struct {
	store    Store
	catalog  Catalog
	uploader Uploader
	fs       afero.Fs
	clock    clockwork.Clock
	obs      Observer
	metrics  *Metrics
	n        notifier
	cfg      EngineConfig

	filter   *CandidateFilter
	markers  *MarkerStore
	verifier *Verifier
}

// NewEngine wires an engine from its collaborators.
func NewEngine(cfg EngineConfig, deps EngineDeps) (*Engine, error) {
	if deps.Store == nil || deps.Catalog == nil {
		return nil, errors.New("archive: engine requires a store and a catalog")
	}

	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	obs := orDiscard(deps.Observer)
	markers := NewMarkerStore(deps.FS, deps.Clock)

	return &Engine{
		store:    deps.Store,
		catalog:  deps.Catalog,
		uploader: deps.Uploader,
		fs:       deps.FS,
		clock:    deps.Clock,
		obs:      obs,
		metrics:  deps.Metrics,
		n:        notifier{obs: obs},
		cfg:      cfg,
		filter:   NewCandidateFilter(deps.FS, deps.Clock, cfg.Filter, obs),
		markers:  markers,
		verifier: newVerifier(cfg.Verify, deps.Store, deps.Catalog, deps.Status, markers, deps.Clock, deps.Metrics, obs),
	}, nil
}

// Verify runs one verification pass over every outstanding upload.
func (e *Engine) Verify(ctx context.Context) (*VerifyReport, error) {
	return e.verifier.Run(ctx)
}

// Run archives the given packages:
//  1. Check the catalog through the sentinel package
//  2. Load package records and count their files
//  3. Plan batches
//  4. Per batch, populate the catalog cache once
//  5. Per package, filter, reconcile and submit the delta
//
// Only input errors and an unavailable catalog fail the run; every
// per-package problem is recorded in the report.
func (e *Engine) Run(ctx context.Context, ids []int, opts RunOptions) (*RunReport, error) {
	if len(ids) == 0 {
		return nil, ErrNoPackages
	}

	if !opts.Preview && e.uploader == nil {
		return nil, errors.New("archive: no uploader configured")
	}

	report := &RunReport{Started: e.clock.Now(), Preview: opts.Preview}
	defer func() { report.Duration = e.clock.Since(report.Started) }()

	e.n.info(0, "archive run starting",
		slog.Int("packages", len(ids)),
		slog.Bool("preview", opts.Preview),
		slog.Time("since", opts.Since),
	)

	if err := e.checkCatalog(ctx); err != nil {
		return report, err
	}

	planned, err := e.loadPackages(ctx, ids, report)
	if err != nil {
		return report, err
	}

	batches := PlanBatches(planned, e.cfg.Batch)
	report.Batches = len(batches)

	cache := NewCatalogCache(e.catalog, e.clock, e.metrics, e.obs)
	reconciler := NewReconciler(e.fs, e.clock, cache, e.cfg.Reconcile, e.metrics, e.obs)

	for i := range batches {
		b := &batches[i]

		if err := cache.Populate(ctx, b.IDs()); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}

			e.n.fail(0, "catalog population failed, skipping batch", err,
				slog.Int("batch", i+1), slog.Int("packages", len(b.Packages)))

			for j := range b.Packages {
				pkg := &b.Packages[j].Package
				report.Outcomes = append(report.Outcomes, failedOutcome(pkg, err))
			}

			continue
		}

		for j := range b.Packages {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			out := e.processPackage(ctx, &b.Packages[j].Package, reconciler, opts, report)
			report.Outcomes = append(report.Outcomes, out)
		}
	}

	e.n.info(0, "archive run complete",
		slog.Int("submitted", report.Count(OutcomeSubmitted)),
		slog.Int("unchanged", report.Count(OutcomeUnchanged)),
		slog.Int("pending", report.Count(OutcomePending)),
		slog.Int("failed", report.Count(OutcomeFailed)),
		slog.Duration("duration", e.clock.Since(report.Started)),
	)

	return report, nil
}

// checkCatalog aborts the run when the sentinel package has no catalog
// entries, so a broken or misconfigured catalog cannot cause mass resubmission.
func (e *Engine) checkCatalog(ctx context.Context) error {
	if e.cfg.SentinelPackageID <= 0 {
		e.n.warn(0, "catalog sentinel check disabled", nil)
		return nil
	}

	found, err := e.catalog.FindFiles(ctx, catalogPatternAll, "", e.cfg.SentinelPackageID)
	if err != nil {
		return fmt.Errorf("%w: sentinel package %d: %w", ErrCatalogUnavailable, e.cfg.SentinelPackageID, err)
	}

	if len(found) == 0 {
		return fmt.Errorf("%w: sentinel package %d returned no entries", ErrCatalogUnavailable, e.cfg.SentinelPackageID)
	}

	e.n.debug(0, "catalog sentinel check passed", slog.Int("entries", len(found)))

	return nil
}

// loadPackages reads package records in the requested order and counts their
// files. Packages that are unknown or have no directory become failed
// outcomes and are left out of planning.
func (e *Engine) loadPackages(ctx context.Context, ids []int, report *RunReport) ([]PlannedPackage, error) {
	records, err := e.store.GetPackages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("archive: loading packages: %w", err)
	}

	byID := lo.KeyBy(records, func(p PackageRecord) int { return p.ID })
	planned := make([]PlannedPackage, 0, len(records))

	for _, id := range ids {
		pkg, ok := byID[id]
		if !ok {
			err := fmt.Errorf("%w: %d", ErrPackageNotFound, id)
			e.n.warn(id, "package not in store", err)
			report.Outcomes = append(report.Outcomes, PackageOutcome{PackageID: id, Status: OutcomeFailed, Err: err})

			continue
		}

		count, err := e.filter.CountFiles(&pkg)
		if err != nil {
			e.n.warn(id, "package directory unavailable", err)
			report.Outcomes = append(report.Outcomes, failedOutcome(&pkg, err))

			continue
		}

		planned = append(planned, PlannedPackage{Package: pkg, FileCount: count})
	}

	return planned, nil
}

// processPackage runs filter, reconcile and submit for one package.
func (e *Engine) processPackage(
	ctx context.Context, pkg *PackageRecord, reconciler *Reconciler, opts RunOptions, report *RunReport,
) PackageOutcome {
	out := PackageOutcome{PackageID: pkg.ID, Name: pkg.Name}

	if err := e.checkMarker(pkg); err != nil {
		out.Status, out.Err = OutcomePending, err
		return out
	}

	res, err := e.filter.Collect(ctx, pkg, opts.Since)
	if err != nil {
		if errors.Is(err, ErrTooManyFiles) {
			e.operatorError(ctx, pkg.ID, "package exceeds the file limit; compress it manually before archiving", err)
		} else {
			e.n.warn(pkg.ID, "cannot collect package files", err)
		}

		return failedOutcome(pkg, err)
	}

	if res.Status == FilterNoRecentFiles {
		out.Status = OutcomeNoRecentFiles
		return out
	}

	out.Files = len(res.Candidates)

	delta, err := reconciler.Reconcile(ctx, pkg, res.Candidates)
	if err != nil {
		return failedOutcome(pkg, err)
	}

	out.New, out.Updated, out.Unchanged, out.Bytes = delta.NewCount, delta.UpdatedCount, delta.UnchangedCount, delta.Bytes

	// A partial manifest plus the marker it earns would hide the unread
	// files until verification, so the whole package waits for the next run.
	if delta.HashFailures > 0 {
		out.Status = OutcomeFailed
		out.Err = fmt.Errorf("%w: %d of %d candidates", ErrUnreadableFiles, delta.HashFailures, out.Files)
		e.n.fail(pkg.ID, "package not submitted", out.Err, slog.Int("new", delta.NewCount), slog.Int("updated", delta.UpdatedCount))

		return out
	}

	if delta.Empty() {
		out.Status = OutcomeUnchanged
		e.n.info(pkg.ID, "package up to date", slog.Int("files", out.Files))

		return out
	}

	if opts.Preview {
		out.Status = OutcomePreview
		e.n.info(pkg.ID, "preview: package has changes",
			slog.Int("new", delta.NewCount), slog.Int("updated", delta.UpdatedCount), slog.Int64("bytes", delta.Bytes))

		return out
	}

	// Shutdown stops the run between packages, never inside one: a submission
	// that reached the archive must have its session and marker recorded.
	session := e.submit(context.WithoutCancel(ctx), pkg, delta)
	report.Sessions = append(report.Sessions, session)
	out.SessionID = session.ID

	if !session.Succeeded() {
		out.Status = OutcomeFailed
		out.Err = fmt.Errorf("%w: package %d, code %d", ErrSubmissionFailed, pkg.ID, session.ErrorCode)

		return out
	}

	if _, err := e.markers.Write(res.Root, pkg.ID, session.StatusHandle); err != nil {
		e.n.warn(pkg.ID, "cannot write pending marker", err)
	}

	out.Status = OutcomeSubmitted

	return out
}

// submit hands the manifest to the uploader and persists exactly one
// session for the attempt, whatever the outcome.
func (e *Engine) submit(ctx context.Context, pkg *PackageRecord, delta *Delta) UploadSession {
	b := newSessionBuilder(pkg, delta, e.clock.Now())

	res, submitErr := e.uploader.Submit(ctx, delta.Manifest, PackageMetadata{
		PackageID: pkg.ID,
		Name:      pkg.Name,
		Owner:     pkg.Owner,
		Subdir:    pkg.Subdir,
	})

	session := b.finish(res, submitErr, e.clock.Now())
	e.metrics.countSubmission(&session)

	attrs := []slog.Attr{
		slog.String("session_id", session.ID),
		slog.Int("new", session.NewCount),
		slog.Int("updated", session.UpdatedCount),
		slog.Int64("bytes", session.Bytes),
		slog.Duration("elapsed", session.Elapsed),
	}

	switch {
	case submitErr != nil:
		e.n.fail(pkg.ID, "submission failed", submitErr, attrs...)
	case !session.Succeeded():
		e.n.fail(pkg.ID, "submission rejected",
			fmt.Errorf("%w: code %d: %s", ErrSubmissionFailed, session.ErrorCode, res.ErrorMessage), attrs...)
	default:
		e.n.info(pkg.ID, "submission accepted", append(attrs, slog.String("status_handle", session.StatusHandle))...)
	}

	if err := e.store.RecordUploadStats(ctx, session); err != nil {
		e.n.fail(pkg.ID, "cannot record upload session", err, slog.String("session_id", session.ID))
	}

	return session
}

// operatorError reports a condition a human must act on and writes it to the
// store's operator log.
func (e *Engine) operatorError(ctx context.Context, pkgID int, msg string, err error) {
	e.n.operator(slog.LevelError, pkgID, msg, err)

	if logErr := e.store.LogOperatorError(ctx, pkgID, fmt.Sprintf("%s: %v", msg, err)); logErr != nil {
		e.n.warn(pkgID, "cannot write operator log", logErr)
	}
}

func failedOutcome(pkg *PackageRecord, err error) PackageOutcome {
	return PackageOutcome{PackageID: pkg.ID, Name: pkg.Name, Status: OutcomeFailed, Err: err}
}
