package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pkgsync/internal/archive"
	"github.com/tonimelisma/pkgsync/internal/store"
)

func TestUploadState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		row  store.UploadRow
		want string
	}{
		{"rejected submission", store.UploadRow{Session: archive.UploadSession{ErrorCode: 2}}, uploadStateFailed},
		{"awaiting ingest", store.UploadRow{}, uploadStatePending},
		{"held for operator", store.UploadRow{Held: "submitter not registered"}, uploadStateHeld},
		{"ingested not in catalog", store.UploadRow{Available: true}, uploadStateAvailable},
		{"verified", store.UploadRow{Available: true, Verified: true}, uploadStateVerified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, uploadState(tt.row))
		})
	}
}

func TestBuildStatusReport(t *testing.T) {
	t.Parallel()

	entered := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	report := buildStatusReport(
		[]archive.VerificationRecord{{EntryID: 4, PackageID: 7}, {EntryID: 5, PackageID: 8}},
		[]store.UploadRow{{
			EntryID: 5,
			Session: archive.UploadSession{ID: "sess-1", PackageID: 8, NewCount: 3, UpdatedCount: 1, Bytes: 2048, EnteredAt: entered},
		}},
		[]store.OperatorLogEntry{{ID: 1, PackageID: 8, Message: "package exceeds the file limit", LoggedAt: entered}},
	)

	assert.Equal(t, 2, report.Outstanding)
	require.Len(t, report.Recent, 1)
	assert.Equal(t, statusUpload{
		EntryID: 5, PackageID: 8, SessionID: "sess-1", State: uploadStatePending,
		New: 3, Updated: 1, Bytes: 2048, SubmittedAt: entered,
	}, report.Recent[0])
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "package exceeds the file limit", report.Errors[0].Message)
}

func TestRunReportJSON(t *testing.T) {
	t.Parallel()

	r := &archive.RunReport{
		Duration: 1500 * time.Millisecond,
		Batches:  1,
		Outcomes: []archive.PackageOutcome{
			{PackageID: 1, Status: archive.OutcomeSubmitted, New: 2, SessionID: "s1"},
			{PackageID: 2, Status: archive.OutcomeFailed, Err: errors.New("directory missing")},
			{PackageID: 3, Status: archive.OutcomeUnchanged},
		},
	}

	out := toRunReportJSON(r)

	assert.Equal(t, "1.5s", out.Duration)
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Packages, 3)
	assert.Equal(t, "submitted", out.Packages[0].Status)
	assert.Equal(t, "directory missing", out.Packages[1].Error)
	assert.Empty(t, out.Packages[2].Error)
}

func TestVerifyReportJSON(t *testing.T) {
	t.Parallel()

	r := &archive.VerifyReport{
		Aborted: true,
		Results: []archive.VerifyResult{
			{Record: archive.VerificationRecord{EntryID: 9, PackageID: 4, Available: true, Verified: true}, State: archive.VerifyVerified, Percent: 100},
			{Record: archive.VerificationRecord{EntryID: 10, PackageID: 5}, State: archive.VerifyCritical, Err: errors.New("status service down")},
		},
	}

	out := toVerifyReportJSON(r)

	assert.True(t, out.Aborted)
	require.Len(t, out.Results, 2)
	assert.Equal(t, verifyResultJSON{EntryID: 9, PackageID: 4, State: "verified", Percent: 100, Available: true, Verified: true}, out.Results[0])
	assert.Equal(t, "critical", out.Results[1].State)
	assert.Equal(t, "status service down", out.Results[1].Error)
}
