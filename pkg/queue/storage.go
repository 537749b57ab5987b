package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// uploadMaxRetries bounds upload attempts for retryable failures.
const uploadMaxRetries = 3

// uploadBackoffStep is multiplied by the attempt number between retries.
var uploadBackoffStep = 2 * time.Second

// UploadResult locates an uploaded render.
type UploadResult struct {
	// URL is a directly fetchable public URL.
	URL string
	// StoragePath is the bucket-relative object path, the value persisted
	// on the track row.
	StoragePath string
}

// UploadRender uploads the rendered file to the render bucket at
// tracks/{trackID}/rendered.{format}. Transport failures and 5xx
// responses are retried up to uploadMaxRetries with attempt-proportional
// backoff; client errors are terminal immediately.
func (c *Client) UploadRender(ctx context.Context, localPath, trackID, format string) (*UploadResult, error) {
	objectPath := fmt.Sprintf("tracks/%s/rendered.%s", trackID, format)

	var lastErr error
	for attempt := 1; attempt <= uploadMaxRetries; attempt++ {
		err := c.uploadObject(ctx, localPath, objectPath)
		if err == nil {
			c.logger.Info("render uploaded", "track", trackID, "path", objectPath, "attempt", attempt)
			return &UploadResult{
				URL:         fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.cfg.BaseURL, c.cfg.RenderBucket, objectPath),
				StoragePath: objectPath,
			}, nil
		}
		lastErr = err

		if reqErr, ok := err.(*RequestError); ok && !reqErr.Retryable() {
			return nil, &UploadError{Attempts: attempt, Err: err}
		}

		if attempt < uploadMaxRetries {
			delay := time.Duration(attempt) * uploadBackoffStep
			c.logger.Warn("upload failed, retrying", "track", trackID, "attempt", attempt, "delay", delay, "err", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &UploadError{Attempts: attempt, Err: ctx.Err()}
			}
		}
	}
	return nil, &UploadError{Attempts: uploadMaxRetries, Err: lastErr}
}

func (c *Client) uploadObject(ctx context.Context, localPath, objectPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("queue upload: open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("queue upload: stat %s: %w", localPath, err)
	}

	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.cfg.BaseURL, c.cfg.RenderBucket, objectPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return fmt.Errorf("queue upload: build request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "audio/mpeg")
	req.Header.Set("x-upsert", "true")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: upload: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RequestError{Op: "upload", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return nil
}

// DownloadBackgroundMusic fetches a music source to localPath. Bucket
// URLs under this project's storage endpoint are fetched with service
// credentials (covering private buckets); anything else is plain HTTPS.
func (c *Client) DownloadBackgroundMusic(ctx context.Context, srcURL, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return fmt.Errorf("queue download: build request: %w", err)
	}
	if bucket, object, ok := c.splitStorageURL(srcURL); ok {
		// Re-address through the authenticated endpoint; public URLs for
		// private buckets 400 otherwise.
		authURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.cfg.BaseURL, bucket, object)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
		if err != nil {
			return fmt.Errorf("queue download: build request: %w", err)
		}
		c.authorize(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("queue download %s: %w", srcURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &RequestError{Op: "download", StatusCode: resp.StatusCode, Body: srcURL}
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("queue download: create %s: %w", localPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("queue download: write %s: %w", localPath, err)
	}
	return nil
}

// splitStorageURL decomposes a URL under this project's storage endpoint
// into bucket and object path. Handles both public and authenticated
// object URL shapes.
func (c *Client) splitStorageURL(srcURL string) (bucket, object string, ok bool) {
	prefix := c.cfg.BaseURL + "/storage/v1/object/"
	if !strings.HasPrefix(srcURL, prefix) {
		return "", "", false
	}

	rest := strings.TrimPrefix(srcURL, prefix)
	rest = strings.TrimPrefix(rest, "public/")
	rest = strings.TrimPrefix(rest, "authenticated/")

	bucket, object, found := strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	if i := strings.IndexByte(object, '?'); i >= 0 {
		object = object[:i]
	}
	return bucket, object, true
}
