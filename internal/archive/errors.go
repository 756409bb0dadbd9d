package archive

import "errors"

// Fatal run errors.
var (
	// ErrCatalogUnavailable aborts a run before any submission when the
	// sentinel catalog query fails or returns nothing.
	ErrCatalogUnavailable = errors.New("archive: catalog unavailable")

	// ErrNoPackages is returned when a run is started without package IDs.
	ErrNoPackages = errors.New("archive: no packages selected")
)

// Per-package soft failures. The run logs them, counts the package as not
// successful, and moves on.
var (
	ErrPackageNotFound   = errors.New("archive: package not found in store")
	ErrPackageDirMissing = errors.New("archive: package directory not found")
	ErrTooManyFiles      = errors.New("archive: too many files, compress manually before archiving")
	ErrUnreadableFiles   = errors.New("archive: package has files that cannot be read")
	ErrSubmissionPending = errors.New("archive: previous submission awaiting verification")
	ErrSubmissionFailed  = errors.New("archive: submission failed")
)

// Verification errors.
var (
	ErrVerification           = errors.New("archive: verification error")
	ErrSubmitterNotRegistered = errors.New("archive: submitter not registered with the archive")
	ErrCriticalVerification   = errors.New("archive: critical verification error")
)

// Submission error codes persisted in the upload session. Zero is success.
const (
	errCodeRejected  = 1 // uploader reported failure
	errCodeException = 2 // uploader returned a Go error
	errCodeNoHandle  = 3 // success without a status handle
)
