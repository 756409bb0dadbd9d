package archiveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/pkgsync/internal/archive"
)

// maxStatusBody bounds a status response body.
const maxStatusBody = 1 << 20

// ErrForeignHandle means a status handle points at a host other than the
// configured archive, which would leak credentials.
var ErrForeignHandle = errors.New("archiveapi: status handle host does not match archive base URL")

type statusResponse struct {
	State           *string  `json:"state"`
	PercentComplete *float64 `json:"percent_complete"`
	CurrentTask     string   `json:"current_task"`
	Error           string   `json:"error"`
}

// GetIngestStatus polls one status handle. Handles are absolute URLs on the
// archive host or paths relative to the base URL. An empty or unparseable
// body yields a status with Valid false; transport faults and non-2xx
// responses are errors.
func (c *Client) GetIngestStatus(ctx context.Context, handle string) (archive.IngestStatus, error) {
	u, err := c.resolveHandle(handle)
	if err != nil {
		return archive.IngestStatus{}, err
	}

	if c.statusLimiter != nil {
		if err := c.statusLimiter.Wait(ctx); err != nil {
			return archive.IngestStatus{}, fmt.Errorf("archiveapi: waiting for status rate limiter: %w", err)
		}
	}

	resp, err := c.do(ctx, request{method: http.MethodGet, url: u, length: -1})
	if err != nil {
		return archive.IngestStatus{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return archive.IngestStatus{}, fmt.Errorf("archiveapi: reading status body: %w", err)
	}

	return parseStatus(body), nil
}

// parseStatus decodes a status body. A body without a state is not valid.
func parseStatus(body []byte) archive.IngestStatus {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return archive.IngestStatus{}
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil || sr.State == nil {
		return archive.IngestStatus{}
	}

	st := archive.IngestStatus{
		Valid:        true,
		State:        strings.ToLower(*sr.State),
		CurrentTask:  sr.CurrentTask,
		ErrorMessage: sr.Error,
	}

	if sr.PercentComplete != nil {
		st.PercentComplete = *sr.PercentComplete
	}

	return st
}

func (c *Client) resolveHandle(handle string) (string, error) {
	if handle == "" {
		return "", errors.New("archiveapi: empty status handle")
	}

	u, err := url.Parse(handle)
	if err != nil {
		return "", fmt.Errorf("archiveapi: parsing status handle: %w", err)
	}

	if u.IsAbs() {
		if !strings.EqualFold(u.Host, c.base.Host) || u.Scheme != c.base.Scheme {
			return "", fmt.Errorf("%w: %s", ErrForeignHandle, u.Host)
		}

		return u.String(), nil
	}

	ref := *c.base
	ref.Path = strings.TrimSuffix(ref.Path, "/") + "/" + strings.TrimPrefix(u.Path, "/")
	ref.RawQuery = u.RawQuery

	return ref.String(), nil
}
