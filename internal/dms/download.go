package dms

import (
	"context"
	"fmt"
	"mime"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/paperspark/spark/internal/api"
)

// DownloadOriginal fetches the original file bytes for a document. The
// filename comes from the Content-Disposition header when present.
func (c *Client) DownloadOriginal(ctx context.Context, id int64) ([]byte, string, error) {
	resp, err := api.Do(ctx, c.http, c.backoff, api.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/api/documents/%d/download/", c.baseURL, id),
		Header: c.header(),
	})
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", api.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("dms: download document %d: status %d", id, resp.StatusCode)
	}

	filename := dispositionFilename(resp.Header.Get("Content-Disposition"))
	if filename == "" {
		filename = fmt.Sprintf("document-%d", id)
	}
	return resp.Body, filename, nil
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// DownloadResult is one item of a bulk download; Err is set per item so a
// single missing document does not abort the batch.
type DownloadResult struct {
	DocumentID int64
	Bytes      []byte
	Filename   string
	Err        error
}

// BulkDownload fetches originals for all ids with at most workers in
// flight. Results keep the input order. Only context cancellation aborts
// the batch early.
func (c *Client) BulkDownload(ctx context.Context, ids []int64, workers int) ([]DownloadResult, error) {
	if workers <= 0 {
		workers = 4
	}
	results := make([]DownloadResult, len(ids))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range ids {
		g.Go(func() error {
			data, name, err := c.DownloadOriginal(gCtx, id)
			results[i] = DownloadResult{DocumentID: id, Bytes: data, Filename: name, Err: err}
			return gCtx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("dms: bulk download aborted: %w", err)
	}
	return results, nil
}
