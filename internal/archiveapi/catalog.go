package archiveapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tonimelisma/pkgsync/internal/archive"
)

// catalogFile is one entry of GET /catalog/files.
type catalogFile struct {
	Filename    string    `json:"filename"`
	Subpath     string    `json:"subpath"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type catalogResponse struct {
	Files []catalogFile `json:"files"`
}

// FindFiles lists archived files of a package matching pattern under
// subpath. An empty subpath means the whole package.
func (c *Client) FindFiles(ctx context.Context, pattern, subpath string, packageID int) ([]archive.ArchiveEntry, error) {
	q := url.Values{}
	q.Set("package_id", strconv.Itoa(packageID))

	if pattern != "" {
		q.Set("pattern", pattern)
	}

	if subpath != "" {
		q.Set("subpath", subpath)
	}

	var out catalogResponse
	if err := c.getJSON(ctx, c.endpoint("/catalog/files", q), &out); err != nil {
		return nil, fmt.Errorf("archiveapi: querying catalog for package %d: %w", packageID, err)
	}

	entries := make([]archive.ArchiveEntry, 0, len(out.Files))
	for _, f := range out.Files {
		entries = append(entries, archive.ArchiveEntry{
			Filename:    f.Filename,
			Subpath:     f.Subpath,
			Size:        f.Size,
			Hash:        f.SHA256,
			SubmittedAt: f.SubmittedAt,
		})
	}

	c.logger.Debug("catalog query complete",
		"package_id", packageID,
		"entries", len(entries),
	)

	return entries, nil
}
