package archiveapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tonimelisma/pkgsync/internal/archive"
)

// Header carrying the hex SHA-256 of an uploaded file body.
const headerContentSHA256 = "X-Content-SHA256"

type submissionFile struct {
	Subpath  string `json:"subpath"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Change   string `json:"change"`
}

type submissionPackage struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Owner  string `json:"owner"`
	Subdir string `json:"subdir"`
}

type submissionRequest struct {
	Package submissionPackage `json:"package"`
	Files   []submissionFile  `json:"files"`
}

type submissionResponse struct {
	ID        string `json:"id"`
	StatusURL string `json:"status_url"`
}

// Submit creates a submission, uploads every manifest file and commits it.
// A refusal by the service (4xx other than auth or throttling) is reported
// as an unsuccessful SubmitResult; transport and server faults are errors.
func (c *Client) Submit(ctx context.Context, manifest []archive.ManifestEntry, meta archive.PackageMetadata) (archive.SubmitResult, error) {
	req := submissionRequest{
		Package: submissionPackage{
			ID:     meta.PackageID,
			Name:   meta.Name,
			Owner:  meta.Owner,
			Subdir: meta.Subdir,
		},
		Files: make([]submissionFile, 0, len(manifest)),
	}

	for _, m := range manifest {
		req.Files = append(req.Files, submissionFile{
			Subpath:  m.ArchiveSubpath,
			Filename: m.Filename,
			Size:     m.Size,
			Change:   m.Kind.String(),
		})
	}

	var created submissionResponse
	if err := c.sendJSON(ctx, http.MethodPost, c.endpoint("/submissions", nil), req, &created); err != nil {
		return rejectedOr(err, "creating submission")
	}

	if created.ID == "" {
		return archive.SubmitResult{}, errors.New("archiveapi: submission created without an id")
	}

	c.logger.Info("submission created",
		"package_id", meta.PackageID,
		"submission_id", created.ID,
		"files", len(manifest),
	)

	for i := range manifest {
		if err := c.uploadFile(ctx, created.ID, manifest[i]); err != nil {
			return rejectedOr(err, "uploading "+manifest[i].Filename)
		}
	}

	var committed submissionResponse
	if err := c.sendJSON(ctx, http.MethodPost, c.endpoint("/submissions/"+url.PathEscape(created.ID)+"/commit", nil), struct{}{}, &committed); err != nil {
		return rejectedOr(err, "committing submission")
	}

	handle := committed.StatusURL
	if handle == "" {
		handle = created.StatusURL
	}

	return archive.SubmitResult{Success: true, StatusHandle: handle}, nil
}

// uploadFile streams one file body. The hash comes from the manifest when
// the reconciler computed it and is otherwise computed here.
func (c *Client) uploadFile(ctx context.Context, submissionID string, m archive.ManifestEntry) error {
	hash := m.Hash
	if hash == "" {
		h, err := archive.HashFile(c.fs, m.LocalPath)
		if err != nil {
			return err
		}

		hash = h
	}

	f, err := c.fs.Open(m.LocalPath)
	if err != nil {
		return fmt.Errorf("archiveapi: opening %s: %w", m.LocalPath, err)
	}
	defer f.Close()

	q := url.Values{}
	q.Set("subpath", m.ArchiveSubpath)
	q.Set("name", m.Filename)

	resp, err := c.do(ctx, request{
		method:      http.MethodPut,
		url:         c.endpoint("/submissions/"+url.PathEscape(submissionID)+"/files", q),
		body:        f,
		contentType: "application/octet-stream",
		length:      m.Size,
		headers:     map[string]string{headerContentSHA256: hash},
	})
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

// rejectedOr converts a service refusal into an unsuccessful result and
// passes every other failure through as an error.
func rejectedOr(err error, step string) (archive.SubmitResult, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && isRejection(err) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}

		return archive.SubmitResult{ErrorMessage: step + ": " + msg}, nil
	}

	return archive.SubmitResult{}, fmt.Errorf("archiveapi: %s: %w", step, err)
}
