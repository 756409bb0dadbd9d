package archive

import (
	"time"

	"github.com/google/uuid"
)

// sessionBuilder accumulates the facts of one submission attempt and emits
// an immutable UploadSession. Nothing is persisted until finish.
type sessionBuilder struct {
	id        string
	packageID int
	subdir    string
	delta     *Delta
	started   time.Time
}

func newSessionBuilder(pkg *PackageRecord, delta *Delta, started time.Time) sessionBuilder {
	return sessionBuilder{
		id:        uuid.NewString(),
		packageID: pkg.ID,
		subdir:    pkg.Subdir,
		delta:     delta,
		started:   started,
	}
}

// finish builds the session from the uploader's answer. submitErr is the Go
// error returned by Submit, if any. The derived error code is zero only for
// an accepted submission that returned a status handle.
func (b sessionBuilder) finish(res SubmitResult, submitErr error, now time.Time) UploadSession {
	code := 0

	switch {
	case submitErr != nil:
		code = errCodeException
	case !res.Success:
		code = errCodeRejected
	case res.StatusHandle == "":
		code = errCodeNoHandle
	}

	return UploadSession{
		ID:           b.id,
		PackageID:    b.packageID,
		Subdir:       b.subdir,
		NewCount:     b.delta.NewCount,
		UpdatedCount: b.delta.UpdatedCount,
		Bytes:        b.delta.Bytes,
		Elapsed:      now.Sub(b.started),
		StatusHandle: res.StatusHandle,
		ErrorCode:    code,
		EnteredAt:    now,
	}
}
