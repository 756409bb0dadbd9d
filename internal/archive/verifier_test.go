package archive

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifierFixture struct {
	fs      afero.Fs
	clock   *clockwork.FakeClock
	store   *fakeStore
	catalog *fakeCatalog
	status  *fakeStatus
	obs     *recordingObserver
	v       *Verifier
	sleeps  int
}

func newVerifierFixture(t *testing.T, cfg VerifyConfig) *verifierFixture {
	t.Helper()

	fx := &verifierFixture{
		fs:      afero.NewMemMapFs(),
		clock:   clockwork.NewFakeClockAt(testEpoch),
		store:   newFakeStore(),
		catalog: newFakeCatalog(),
		status:  newFakeStatus(),
		obs:     newRecordingObserver(t),
	}

	fx.v = newVerifier(cfg, fx.store, fx.catalog, fx.status, NewMarkerStore(fx.fs, fx.clock), fx.clock, nil, fx.obs)
	fx.v.sleepFunc = func(context.Context, time.Duration) error {
		fx.sleeps++
		return nil
	}

	return fx
}

// outstanding adds a verification record submitted `ago` before now.
func (fx *verifierFixture) outstanding(entryID int64, pkg PackageRecord, handle string, ago time.Duration) {
	fx.store.outstanding = append(fx.store.outstanding, VerificationRecord{
		EntryID:      entryID,
		PackageID:    pkg.ID,
		Owner:        pkg.Owner,
		EnteredAt:    fx.clock.Now().Add(-ago),
		StatusHandle: handle,
		LocalPath:    pkg.LocalPath,
		SharePath:    pkg.SharePath,
	})
}

func inProgress(percent float64) statusAnswer {
	return statusAnswer{status: IngestStatus{Valid: true, State: "ingesting", PercentComplete: percent, CurrentTask: "indexing"}}
}

func TestVerifier_PendingBeforeEscalation(t *testing.T) {
	t.Parallel()

	fx := newVerifierFixture(t, DefaultVerifyConfig())
	fx.outstanding(1, testPackage(1, "alpha"), "h1", 10*time.Hour)
	fx.status.script("h1", inProgress(60))

	report, err := fx.v.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, VerifyPending, res.State)
	assert.False(t, res.Escalated)
	assert.InDelta(t, 60, res.Percent, 0)
	assert.Zero(t, fx.obs.countLevel(slog.LevelWarn), "no warning before the escalation window")
	assert.Empty(t, fx.store.operatorLog)
	assert.Empty(t, fx.store.statuses)
}

func TestVerifier_PendingEscalatesAfterWindow(t *testing.T) {
	t.Parallel()

	fx := newVerifierFixture(t, DefaultVerifyConfig())
	fx.outstanding(1, testPackage(1, "alpha"), "h1", 30*time.Hour)
	fx.status.script("h1", inProgress(60))

	report, err := fx.v.Run(context.Background())
	require.NoError(t, err, "escalation is not a failure")
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, VerifyPending, res.State)
	assert.True(t, res.Escalated)
	assert.NoError(t, res.Err)
	assert.Len(t, fx.obs.operatorEvents(), 1)
	require.Len(t, fx.store.operatorLog, 1)
	assert.Contains(t, fx.store.operatorLog[0], "ingestion still incomplete")
}

func TestVerifier_ExceptionsEscalateToCritical(t *testing.T) {
	t.Parallel()

	errPoll := errors.New("connection reset")

	fx := newVerifierFixture(t, DefaultVerifyConfig())
	fx.outstanding(1, testPackage(1, "alpha"), "h1", time.Hour)
	fx.outstanding(2, testPackage(2, "beta"), "h2", time.Hour)
	fx.status.script("h1",
		statusAnswer{err: errPoll}, statusAnswer{err: errPoll},
		statusAnswer{err: errPoll}, statusAnswer{err: errPoll},
	)

	report, err := fx.v.Run(context.Background())
	require.ErrorIs(t, err, ErrCriticalVerification)
	require.ErrorIs(t, err, errPoll)

	assert.True(t, report.Aborted)
	require.Len(t, report.Results, 1)
	assert.Equal(t, VerifyCritical, report.Results[0].State)

	assert.Equal(t, 3, fx.status.pollCount("h1"), "third exception escalates")
	assert.Zero(t, fx.status.pollCount("h2"), "remaining records are not polled")
	assert.Equal(t, 2, fx.sleeps, "retries wait between polls")
	assert.Len(t, fx.store.operatorLog, 1)
}

func TestVerifier_ExceptionsBelowThresholdRecover(t *testing.T) {
	t.Parallel()

	errPoll := errors.New("timeout")

	fx := newVerifierFixture(t, DefaultVerifyConfig())
	pkg := testPackage(1, "alpha")
	fx.outstanding(1, pkg, "h1", time.Hour)
	fx.catalog.add(pkg.ID, ArchiveEntry{Filename: "a.txt", Subpath: "alpha"})
	fx.status.script("h1", statusAnswer{err: errPoll}, statusAnswer{err: errPoll}, completed())

	report, err := fx.v.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, VerifyVerified, report.Results[0].State)
	assert.Equal(t, 2, fx.obs.countLevel(slog.LevelWarn))
	assert.Empty(t, fx.store.operatorLog)
}

func TestVerifier_FailedStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		answer   IngestStatus
		wantErr  error
		operator bool
		logHas   string
	}{
		{
			name:    "malformed response",
			answer:  IngestStatus{Valid: false},
			wantErr: ErrVerification,
		},
		{
			name:     "explicit failure",
			answer:   IngestStatus{Valid: true, State: IngestStateFailed, PercentComplete: 40},
			wantErr:  ErrVerification,
			operator: true,
			logHas:   "ingestion failure",
		},
		{
			name:     "error message",
			answer:   IngestStatus{Valid: true, State: "ingesting", PercentComplete: 100, ErrorMessage: "checksum mismatch"},
			wantErr:  ErrVerification,
			operator: true,
			logHas:   "checksum mismatch",
		},
		{
			name:     "submitter not registered",
			answer:   IngestStatus{Valid: true, State: IngestStateFailed, ErrorMessage: "Submitter NOT REGISTERED for this archive"},
			wantErr:  ErrSubmitterNotRegistered,
			operator: true,
			logHas:   "register the submitting account",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fx := newVerifierFixture(t, DefaultVerifyConfig())
			fx.outstanding(1, testPackage(1, "alpha"), "h1", time.Hour)
			fx.status.script("h1", statusAnswer{status: tt.answer})

			report, err := fx.v.Run(context.Background())
			require.NoError(t, err)
			require.Len(t, report.Results, 1)

			res := report.Results[0]
			assert.Equal(t, VerifyFailed, res.State)
			require.ErrorIs(t, res.Err, tt.wantErr)
			assert.Empty(t, fx.store.statuses, "failed records stay outstanding")

			if tt.operator {
				require.Len(t, fx.store.operatorLog, 1)
				assert.Contains(t, fx.store.operatorLog[0], tt.logHas)
			} else {
				assert.Empty(t, fx.store.operatorLog)
			}
		})
	}
}

func TestVerifier_UnregisteredSubmitterIsHeld(t *testing.T) {
	t.Parallel()

	fx := newVerifierFixture(t, DefaultVerifyConfig())
	fx.outstanding(1, testPackage(1, "alpha"), "h1", time.Hour)
	fx.status.script("h1", statusAnswer{status: IngestStatus{
		Valid: true, State: IngestStateFailed, ErrorMessage: "submitter not registered",
	}})

	report, err := fx.v.Run(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, report.Results[0].Err, ErrSubmitterNotRegistered)
	assert.Contains(t, fx.store.held, int64(1))

	// The next pass neither polls the record nor logs it again.
	report, err = fx.v.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Equal(t, 1, fx.status.pollCount("h1"))
	assert.Len(t, fx.store.operatorLog, 1)
}

func TestVerifier_ShutdownPersistsPolledRecord(t *testing.T) {
	t.Parallel()

	fx := newVerifierFixture(t, DefaultVerifyConfig())
	first, second := testPackage(1, "alpha"), testPackage(2, "beta")
	fx.outstanding(1, first, "h1", time.Hour)
	fx.outstanding(2, second, "h2", time.Hour)
	fx.catalog.add(first.ID, ArchiveEntry{Filename: "a.txt", Subpath: "alpha"})
	fx.catalog.add(second.ID, ArchiveEntry{Filename: "b.txt", Subpath: "beta"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.status.onPoll = cancel

	report, err := fx.v.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, report.Results, 1)
	assert.Equal(t, VerifyVerified, report.Results[0].State)
	require.Len(t, fx.store.statuses, 1)
	assert.Equal(t, statusUpdate{EntryID: 1, PackageID: 1, Available: true, Verified: true}, fx.store.statuses[0])
	require.Len(t, fx.store.statusCtxErrs, 1)
	require.NoError(t, fx.store.statusCtxErrs[0])
	assert.Zero(t, fx.status.pollCount("h2"))
}

func TestVerifier_CompleteButNotInCatalog(t *testing.T) {
	t.Parallel()

	fx := newVerifierFixture(t, DefaultVerifyConfig())
	fx.outstanding(5, testPackage(3, "gamma"), "h5", time.Hour)

	report, err := fx.v.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, VerifyUnavailable, res.State)
	assert.True(t, res.Record.Available)
	assert.False(t, res.Record.Verified)
	assert.Equal(t, []statusUpdate{{EntryID: 5, PackageID: 3, Available: true}}, fx.store.statuses)

	// Availability is persisted once.
	_, err = fx.v.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, fx.store.statuses, 1)
}

func TestVerifier_VerifiedRemovesMarkers(t *testing.T) {
	t.Parallel()

	fx := newVerifierFixture(t, DefaultVerifyConfig())
	pkg := testPackage(4, "delta")
	fx.outstanding(9, pkg, "h9", 2*time.Hour)
	fx.catalog.add(pkg.ID, ArchiveEntry{Filename: "a.txt", Subpath: "delta"})

	require.NoError(t, fx.fs.MkdirAll(pkg.LocalPath, 0o755))
	require.NoError(t, fx.fs.MkdirAll(pkg.SharePath, 0o755))

	markers := NewMarkerStore(fx.fs, fx.clock)
	_, err := markers.Write(pkg.LocalPath, pkg.ID, "h9")
	require.NoError(t, err)
	_, err = markers.Write(pkg.SharePath, pkg.ID, "h9")
	require.NoError(t, err)

	report, err := fx.v.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, VerifyVerified, report.Results[0].State)
	assert.True(t, report.Results[0].Record.Verified)

	mk, err := markers.Find(&pkg)
	require.NoError(t, err)
	assert.Nil(t, mk)
	assert.Equal(t, []statusUpdate{{EntryID: 9, PackageID: 4, Available: true, Verified: true}}, fx.store.statuses)

	report, err = fx.v.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Results, "verified records are no longer outstanding")
}

func TestVerifier_GroupsByDistinctPackage(t *testing.T) {
	t.Parallel()

	cfg := DefaultVerifyConfig()
	cfg.GroupSize = 2

	fx := newVerifierFixture(t, cfg)
	for i, id := range []int{1, 1, 2, 3, 3} {
		pkg := testPackage(id, "p")
		fx.outstanding(int64(i+1), pkg, "h", time.Hour)
		fx.catalog.add(id, ArchiveEntry{Filename: "f", Subpath: "p"})
	}

	report, err := fx.v.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Results, 5)
	assert.Equal(t, 5, report.Count(VerifyVerified))
	assert.Equal(t, []int{1, 2, 3}, fx.catalog.calls, "one catalog query per distinct package")
}

func TestVerifier_GroupPopulateFailureSkipsGroup(t *testing.T) {
	t.Parallel()

	cfg := DefaultVerifyConfig()
	cfg.GroupSize = 1

	fx := newVerifierFixture(t, cfg)
	fx.outstanding(1, testPackage(1, "alpha"), "h1", time.Hour)
	fx.outstanding(2, testPackage(2, "beta"), "h2", time.Hour)
	fx.catalog.errs[1] = errors.New("catalog timeout")
	fx.catalog.add(2, ArchiveEntry{Filename: "f", Subpath: "beta"})

	report, err := fx.v.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	assert.Equal(t, VerifyFailed, report.Results[0].State)
	require.ErrorIs(t, report.Results[0].Err, ErrVerification)
	assert.Zero(t, fx.status.pollCount("h1"))
	assert.Equal(t, VerifyVerified, report.Results[1].State)
}

func TestExceptionTracker(t *testing.T) {
	t.Parallel()

	tr := newExceptionTracker(3)

	n, reached := tr.recordException(7)
	assert.Equal(t, 1, n)
	assert.False(t, reached)

	tr.recordException(7)
	n, reached = tr.recordException(7)
	assert.Equal(t, 3, n)
	assert.True(t, reached)

	tr.clear(7)
	n, reached = tr.recordException(7)
	assert.Equal(t, 1, n, "clear starts the count over")
	assert.False(t, reached)

	assert.Equal(t, defaultExceptionThreshold, newExceptionTracker(0).threshold)
}
