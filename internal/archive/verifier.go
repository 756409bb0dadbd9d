package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

// Verification defaults.
const (
	defaultVerifyGroupSize = 25
	defaultEscalateAfter   = 24 * time.Hour

	notRegisteredMarker = "not registered"
	notRegisteredAction = "register the submitting account with the archive service, " +
		"then run 'pkgsync release' for this entry; it is held until then"
)

// VerifyConfig tunes the ingestion verifier.
type VerifyConfig struct {
	GroupSize          int           // distinct package IDs per catalog population
	EscalateAfter      time.Duration // pending longer than this raises an operator warning
	ExceptionThreshold int           // consecutive poll exceptions before a critical error
	RetryDelay         time.Duration // pause between poll retries after an exception
}

// DefaultVerifyConfig returns the standard verifier settings.
func DefaultVerifyConfig() VerifyConfig {
	return VerifyConfig{
		GroupSize:          defaultVerifyGroupSize,
		EscalateAfter:      defaultEscalateAfter,
		ExceptionThreshold: defaultExceptionThreshold,
		RetryDelay:         defaultRetryDelay,
	}
}

// VerifyState is the state a verification record reaches in one pass.
type VerifyState int

// Verification states.
const (
	VerifyPending VerifyState = iota
	VerifyUnavailable
	VerifyFailed
	VerifyCritical
	VerifyVerified
)

func (s VerifyState) String() string {
	switch s {
	case VerifyPending:
		return "pending"
	case VerifyUnavailable:
		return "unavailable"
	case VerifyFailed:
		return "failed"
	case VerifyCritical:
		return "critical"
	default:
		return "verified"
	}
}

// VerifyResult is the outcome for one record.
type VerifyResult struct {
	Record    VerificationRecord // with the flags as persisted after this pass
	State     VerifyState
	Percent   float64
	Escalated bool
	Err       error
}

// VerifyReport summarizes one verification pass.
type VerifyReport struct {
	Started  time.Time
	Duration time.Duration
	Results  []VerifyResult
	Aborted  bool // a critical error stopped the round
}

// Count returns how many records reached state s.
func (r *VerifyReport) Count(s VerifyState) int {
	return lo.CountBy(r.Results, func(res VerifyResult) bool { return res.State == s })
}

// Verifier confirms that submitted uploads were durably ingested.
type Verifier struct {
	cfg     VerifyConfig
	store   Store
	catalog Catalog
	status  StatusService
	markers *MarkerStore
	clock   clockwork.Clock
	metrics *Metrics
	obs     Observer
	n       notifier

	// sleepFunc waits between poll retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

func newVerifier(
	cfg VerifyConfig, store Store, catalog Catalog, status StatusService,
	markers *MarkerStore, clock clockwork.Clock, metrics *Metrics, obs Observer,
) *Verifier {
	v := &Verifier{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		status:  status,
		markers: markers,
		clock:   clock,
		metrics: metrics,
		obs:     obs,
		n:       notifier{obs: obs},
	}
	v.sleepFunc = v.sleep

	return v
}

// Run verifies every outstanding upload. Records are grouped by distinct
// package ID, and each group gets one catalog population. Only a critical
// error (ErrCriticalVerification) or a store read failure is returned; every
// other problem is recorded in the report and the record stays outstanding.
func (v *Verifier) Run(ctx context.Context) (*VerifyReport, error) {
	if v.status == nil {
		return nil, errors.New("archive: no status service configured")
	}

	report := &VerifyReport{Started: v.clock.Now()}
	defer func() { report.Duration = v.clock.Since(report.Started) }()

	records, err := v.store.ListOutstandingUploads(ctx)
	if err != nil {
		return report, fmt.Errorf("archive: listing outstanding uploads: %w", err)
	}

	if len(records) == 0 {
		v.n.info(0, "no outstanding uploads to verify")
		return report, nil
	}

	byPkg := lo.GroupBy(records, func(r VerificationRecord) int { return r.PackageID })
	ids := lo.Uniq(lo.Map(records, func(r VerificationRecord, _ int) int { return r.PackageID }))

	groupSize := v.cfg.GroupSize
	if groupSize <= 0 {
		groupSize = defaultVerifyGroupSize
	}

	v.n.info(0, "verification pass starting",
		slog.Int("records", len(records)), slog.Int("packages", len(ids)))

	cache := NewCatalogCache(v.catalog, v.clock, v.metrics, v.obs)
	tracker := newExceptionTracker(v.cfg.ExceptionThreshold)

	for _, group := range lo.Chunk(ids, groupSize) {
		if err := cache.Populate(ctx, group); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}

			v.n.warn(0, "catalog population failed, skipping verification group", err,
				slog.Int("packages", len(group)))

			for _, id := range group {
				for _, rec := range byPkg[id] {
					report.Results = append(report.Results, VerifyResult{
						Record: rec, State: VerifyFailed, Err: fmt.Errorf("%w: %w", ErrVerification, err),
					})
				}
			}

			continue
		}

		for _, id := range group {
			for _, rec := range byPkg[id] {
				if err := ctx.Err(); err != nil {
					return report, err
				}

				res := v.verifyRecord(ctx, cache, tracker, rec)
				v.metrics.countVerification(res.State)
				report.Results = append(report.Results, res)

				if res.State == VerifyCritical {
					report.Aborted = true
					return report, res.Err
				}
			}
		}
	}

	v.n.info(0, "verification pass complete",
		slog.Int("verified", report.Count(VerifyVerified)),
		slog.Int("pending", report.Count(VerifyPending)),
		slog.Int("unavailable", report.Count(VerifyUnavailable)),
		slog.Int("failed", report.Count(VerifyFailed)),
	)

	return report, nil
}

// verifyRecord polls the status handle, retrying exceptions until the
// threshold, then evaluates the response.
func (v *Verifier) verifyRecord(
	ctx context.Context, cache *CatalogCache, tracker *exceptionTracker, rec VerificationRecord,
) VerifyResult {
	if rec.StatusHandle == "" {
		err := fmt.Errorf("%w: entry %d has no status handle", ErrVerification, rec.EntryID)
		v.n.warn(rec.PackageID, "cannot verify upload", err)

		return VerifyResult{Record: rec, State: VerifyFailed, Err: err}
	}

	for {
		st, err := v.status.GetIngestStatus(ctx, rec.StatusHandle)
		if err == nil {
			tracker.clear(rec.EntryID)
			return v.evaluate(context.WithoutCancel(ctx), cache, rec, st)
		}

		if ctx.Err() != nil {
			return VerifyResult{Record: rec, State: VerifyFailed, Err: ctx.Err()}
		}

		count, reached := tracker.recordException(rec.EntryID)
		attrs := []slog.Attr{
			slog.Int64("entry_id", rec.EntryID),
			slog.Int("exceptions", count),
			slog.Int("threshold", tracker.threshold),
		}

		if reached {
			tracker.clear(rec.EntryID)

			critical := fmt.Errorf("%w: entry %d after %d exceptions: %w", ErrCriticalVerification, rec.EntryID, count, err)
			v.operatorError(ctx, rec.PackageID, "status polling keeps failing, verification round aborted", critical, attrs...)

			return VerifyResult{Record: rec, State: VerifyCritical, Err: critical}
		}

		v.n.warn(rec.PackageID, "status poll failed, retrying", err, attrs...)

		if sleepErr := v.sleepFunc(ctx, v.cfg.RetryDelay); sleepErr != nil {
			return VerifyResult{Record: rec, State: VerifyFailed, Err: sleepErr}
		}
	}
}

// evaluate advances one record from a successful status poll.
func (v *Verifier) evaluate(ctx context.Context, cache *CatalogCache, rec VerificationRecord, st IngestStatus) VerifyResult {
	res := VerifyResult{Record: rec, Percent: st.PercentComplete}
	attrs := []slog.Attr{slog.Int64("entry_id", rec.EntryID), slog.String("status_handle", rec.StatusHandle)}

	switch {
	case !st.Valid:
		res.State = VerifyFailed
		res.Err = fmt.Errorf("%w: empty or malformed status response", ErrVerification)
		v.n.warn(rec.PackageID, "cannot read ingestion status", res.Err, attrs...)

		return res

	case st.State == IngestStateFailed || st.ErrorMessage != "":
		res.State = VerifyFailed

		if strings.Contains(strings.ToLower(st.ErrorMessage), notRegisteredMarker) {
			res.Err = fmt.Errorf("%w: %s", ErrSubmitterNotRegistered, st.ErrorMessage)
			v.operatorError(ctx, rec.PackageID, notRegisteredAction, res.Err, attrs...)

			if err := v.store.HoldUpload(ctx, rec.EntryID, rec.PackageID, ErrSubmitterNotRegistered.Error()); err != nil {
				v.n.fail(rec.PackageID, "cannot hold upload", err, attrs...)
			}

			return res
		}

		res.Err = fmt.Errorf("%w: ingestion failed: state %q: %s", ErrVerification, st.State, st.ErrorMessage)
		v.operatorError(ctx, rec.PackageID, "archive reported an ingestion failure", res.Err, attrs...)

		return res

	case st.PercentComplete < 100:
		res.State = VerifyPending
		waited := v.clock.Since(rec.EnteredAt)
		attrs = append(attrs,
			slog.Float64("percent", st.PercentComplete),
			slog.String("task", st.CurrentTask),
			slog.Duration("waited", waited.Round(time.Minute)),
		)

		if v.cfg.EscalateAfter > 0 && waited > v.cfg.EscalateAfter {
			res.Escalated = true
			v.operatorWarning(ctx, rec.PackageID,
				fmt.Sprintf("ingestion still incomplete after %s", waited.Round(time.Minute)), attrs...)

			return res
		}

		v.n.debug(rec.PackageID, "ingestion in progress", attrs...)

		return res
	}

	if cache.EntryCount(rec.PackageID) == 0 {
		v.n.debug(rec.PackageID, "ingestion complete but package not yet visible in catalog", attrs...)
		res.State = VerifyUnavailable

		if !rec.Available {
			if err := v.store.SetUploadStatus(ctx, rec.EntryID, rec.PackageID, true, false); err != nil {
				res.State, res.Err = VerifyFailed, fmt.Errorf("archive: persisting availability of entry %d: %w", rec.EntryID, err)
				v.n.fail(rec.PackageID, "cannot persist upload status", err, attrs...)

				return res
			}

			res.Record = rec.withFlags(true, false)
		}

		return res
	}

	if _, err := v.markers.Remove(rec.LocalPath, rec.SharePath, rec.PackageID); err != nil {
		v.n.warn(rec.PackageID, "cannot remove pending marker", err, attrs...)
	}

	if err := v.store.SetUploadStatus(ctx, rec.EntryID, rec.PackageID, true, true); err != nil {
		res.State, res.Err = VerifyFailed, fmt.Errorf("archive: persisting verification of entry %d: %w", rec.EntryID, err)
		v.n.fail(rec.PackageID, "cannot persist upload status", err, attrs...)

		return res
	}

	res.State = VerifyVerified
	res.Record = rec.withFlags(true, true)
	v.n.info(rec.PackageID, "upload verified", attrs...)

	return res
}

func (v *Verifier) operatorError(ctx context.Context, pkgID int, msg string, err error, attrs ...slog.Attr) {
	v.n.operator(slog.LevelError, pkgID, msg, err, attrs...)
	v.logOperator(ctx, pkgID, fmt.Sprintf("%s: %v", msg, err))
}

func (v *Verifier) operatorWarning(ctx context.Context, pkgID int, msg string, attrs ...slog.Attr) {
	v.n.operator(slog.LevelWarn, pkgID, msg, nil, attrs...)
	v.logOperator(ctx, pkgID, msg)
}

func (v *Verifier) logOperator(ctx context.Context, pkgID int, msg string) {
	if err := v.store.LogOperatorError(ctx, pkgID, msg); err != nil {
		v.n.warn(pkgID, "cannot write operator log", err)
	}
}

// sleep waits for d on the verifier's clock or until ctx is done.
func (v *Verifier) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-v.clock.After(d):
		return nil
	}
}
