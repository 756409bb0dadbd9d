// Package archive implements the package archive pipeline for pkgsync: the
// candidate filter, the per-run catalog cache, the reconciliation engine that
// classifies local files against the remote catalog, the batch planner, the
// run driver that submits deltas, and the ingestion verifier that confirms
// submitted data was durably ingested.
package archive

import (
	"context"
	"path"
	"time"
)

// PackageRecord identifies one data package and where its files live.
// Loaded fresh from the store at the start of every run; never mutated.
type PackageRecord struct {
	ID          int
	Name        string
	Owner       string
	LocalPath   string
	SharePath   string    // network fallback when LocalPath is absent
	Subdir      string    // archive namespace root for this package
	CreatedAt   time.Time
	UploadCount int // prior successful submissions
}

// CandidateFile is one filesystem entry considered for archival.
type CandidateFile struct {
	AbsPath string
	Size    int64
	ModTime time.Time
	RelPath string // slash-separated, NFC-normalized, relative to the package root
}

// Name returns the file's base name.
func (c CandidateFile) Name() string {
	return path.Base(c.RelPath)
}

// ArchiveSubpath returns the catalog subpath the file is archived under:
// the package subdir joined with the file's relative directory.
func (c CandidateFile) ArchiveSubpath(subdir string) string {
	dir := path.Dir(c.RelPath)
	if dir == "." {
		return subdir
	}

	return path.Join(subdir, dir)
}

// ArchiveEntry is a remote catalog record for a previously archived file.
type ArchiveEntry struct {
	Filename    string
	Subpath     string
	Size        int64
	Hash        string
	SubmittedAt time.Time
}

// DecisionKind classifies a candidate against the catalog.
type DecisionKind int

// Decision kinds produced by the reconciler.
const (
	DecisionUnchanged DecisionKind = iota
	DecisionNew
	DecisionUpdated
)

// String returns the lowercase decision name used in logs and metrics.
func (k DecisionKind) String() string {
	switch k {
	case DecisionNew:
		return "new"
	case DecisionUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// UploadDecision is the reconciler's verdict for one candidate. Hash is set
// only when the reconciler hashed the file, so transport preparation can
// reuse it.
type UploadDecision struct {
	Kind DecisionKind
	Hash string
}

// NeedsUpload reports whether the file belongs in a submission manifest.
func (d UploadDecision) NeedsUpload() bool {
	return d.Kind == DecisionNew || d.Kind == DecisionUpdated
}

// ManifestEntry is one file handed to the Uploader.
type ManifestEntry struct {
	LocalPath      string
	ArchiveSubpath string
	Filename       string
	Size           int64
	Hash           string // empty when the reconciler did not hash the file
	Kind           DecisionKind
}

// PackageMetadata accompanies a manifest so the archive can index it.
type PackageMetadata struct {
	PackageID int
	Name      string
	Owner     string
	Subdir    string
}

// SubmitResult is what the Uploader reports for one submission.
type SubmitResult struct {
	Success      bool
	StatusHandle string
	ErrorMessage string
}

// IngestStatus is the tagged result of one status poll. Valid is false when
// the response was empty or could not be parsed.
type IngestStatus struct {
	Valid           bool
	State           string
	PercentComplete float64
	CurrentTask     string
	ErrorMessage    string
}

// Ingest states reported by the status service that the verifier acts on.
const (
	IngestStateFailed    = "failed"
	IngestStateCompleted = "completed"
)

// UploadSession is the persisted outcome of one submission attempt. Build it
// with newSessionBuilder; the value is never modified after finish.
type UploadSession struct {
	ID           string
	PackageID    int
	Subdir       string
	NewCount     int
	UpdatedCount int
	Bytes        int64
	Elapsed      time.Duration
	StatusHandle string
	ErrorCode    int // 0 = success
	EnteredAt    time.Time
}

// Succeeded reports whether the attempt was accepted by the archive.
func (s UploadSession) Succeeded() bool {
	return s.ErrorCode == 0
}

// VerificationRecord is one outstanding submission awaiting confirmation.
type VerificationRecord struct {
	EntryID      int64
	PackageID    int
	Owner        string
	EnteredAt    time.Time
	StatusHandle string
	LocalPath    string
	SharePath    string
	Available    bool
	Verified     bool
}

// withFlags returns a copy of the record with new availability flags.
func (r VerificationRecord) withFlags(available, verified bool) VerificationRecord {
	r.Available = available
	r.Verified = verified

	return r
}

// --- Consumer-defined interfaces for external collaborators ---

// Store is the relational backing store for package metadata and upload
// history. A nil error is the equivalent of status code 0.
type Store interface {
	GetPackages(ctx context.Context, ids []int) ([]PackageRecord, error)
	ListOutstandingUploads(ctx context.Context) ([]VerificationRecord, error)
	RecordUploadStats(ctx context.Context, session UploadSession) error
	SetUploadStatus(ctx context.Context, entryID int64, packageID int, available, verified bool) error
	LogOperatorError(ctx context.Context, packageID int, message string) error

	// HoldUpload takes an upload out of verification until an operator
	// releases it.
	HoldUpload(ctx context.Context, entryID int64, packageID int, reason string) error
}

// Catalog queries the remote archive catalog.
type Catalog interface {
	FindFiles(ctx context.Context, pattern, subpath string, packageID int) ([]ArchiveEntry, error)
}

// Uploader submits a manifest of files for archival.
type Uploader interface {
	Submit(ctx context.Context, manifest []ManifestEntry, meta PackageMetadata) (SubmitResult, error)
}

// StatusService reports ingestion progress for a submitted status handle.
type StatusService interface {
	GetIngestStatus(ctx context.Context, handle string) (IngestStatus, error)
}
