// Package queue implements the job-queue and storage client against a
// Supabase backing store.
//
// Queue rows are mutated only through database procedures exposed over
// PostgREST RPC, so all atomicity (SKIP LOCKED dequeue, lease bookkeeping,
// terminal transitions) lives in the store. The client is a thin HTTP
// layer: one Client per environment, constructed once at startup and
// passed down explicitly.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stillwave-audio/renderworker/pkg/job"
)

const (
	// LeaseTTL is how long a dequeued row stays claimed before another
	// worker may reclaim it.
	LeaseTTL = 15 * time.Minute

	// MaxAttempts caps how often a row can be claimed before the store
	// stops handing it out.
	MaxAttempts = 3

	requestTimeout = 30 * time.Second
)

// Config configures one environment's client.
type Config struct {
	// BaseURL is the project URL, e.g. https://xyz.supabase.co.
	BaseURL string
	// ServiceRoleKey authenticates as the service role.
	ServiceRoleKey string
	// Environment labels log lines ("dev", "prod").
	Environment string
	// RenderBucket receives finished tracks. Defaults to "audio-renders".
	RenderBucket string
}

// Client talks to one environment's backing store.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient constructs a client. BaseURL and ServiceRoleKey are required.
func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("queue: base URL and service role key are required")
	}
	if cfg.RenderBucket == "" {
		cfg.RenderBucket = "audio-renders"
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.WithPrefix("queue").With("env", cfg.Environment),
	}, nil
}

// Environment returns the environment label this client serves.
func (c *Client) Environment() string {
	return c.cfg.Environment
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("apikey", c.cfg.ServiceRoleKey)
	req.Header.Set("Authorization", "Bearer "+c.cfg.ServiceRoleKey)
}

// rpc calls a PostgREST procedure and returns the response body.
func (c *Client) rpc(ctx context.Context, name string, params any) ([]byte, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("queue %s: marshal params: %w", name, err)
	}

	url := fmt.Sprintf("%s/rest/v1/rpc/%s", c.cfg.BaseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("queue %s: build request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %v", ErrStoreUnavailable, name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{Op: name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// DequeueOne atomically claims the oldest pending job, or returns
// (nil, nil) when the queue is empty. The procedure uses SKIP LOCKED
// selection, transitions the row to processing, increments attempts and
// sets the lease.
func (c *Client) DequeueOne(ctx context.Context) (*job.Job, error) {
	data, err := c.rpc(ctx, "get_next_pending_job", map[string]any{
		"p_lease_seconds": int(LeaseTTL.Seconds()),
		"p_max_attempts":  MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	jobs, err := decodeJobRows(data)
	if err != nil {
		return nil, fmt.Errorf("queue get_next_pending_job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	j := jobs[0]
	c.logger.Debug("claimed job", "job", j.ID, "track", j.TrackID, "attempts", j.Attempts)
	return j, nil
}

// decodeJobRows accepts either a single row object or a set-returning
// array, which PostgREST emits depending on the procedure definition.
func decodeJobRows(data []byte) ([]*job.Job, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var rows []*job.Job
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}

	var row job.Job
	if err := json.Unmarshal(trimmed, &row); err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return []*job.Job{&row}, nil
}

// UpdateProgress reports a stage checkpoint. Best-effort: the store keeps
// progress monotonic, and a failed update is not worth failing a render.
func (c *Client) UpdateProgress(ctx context.Context, jobID string, percent int, stage string) error {
	_, err := c.rpc(ctx, "update_job_progress", map[string]any{
		"p_job_id":   jobID,
		"p_progress": percent,
		"p_stage":    stage,
	})
	if err != nil {
		c.logger.Warn("progress update failed", "job", jobID, "percent", percent, "err", err)
	}
	return err
}

// Complete marks the job completed and releases the lease.
func (c *Client) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	_, err := c.rpc(ctx, "complete_job", map[string]any{
		"p_job_id":        jobID,
		"p_result":        result,
		"p_error_message": nil,
	})
	return err
}

// Fail marks the job failed with the error message and releases the lease.
func (c *Client) Fail(ctx context.Context, jobID, errorMessage string) error {
	_, err := c.rpc(ctx, "complete_job", map[string]any{
		"p_job_id":        jobID,
		"p_result":        nil,
		"p_error_message": errorMessage,
	})
	return err
}

// FinalizeTrack persists the rendered artifact on the track row: the
// bucket-relative storage path (never a signed URL, so downstream can
// re-sign), duration, and published status.
func (c *Client) FinalizeTrack(ctx context.Context, trackID, storagePath string, durationMs int64) error {
	body, err := json.Marshal(map[string]any{
		"audio_url":        storagePath,
		"duration_seconds": float64(durationMs) / 1000,
		"status":           "published",
	})
	if err != nil {
		return fmt.Errorf("queue finalize_track: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/rest/v1/tracks?id=eq.%s", c.cfg.BaseURL, trackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue finalize_track: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: finalize_track: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RequestError{Op: "finalize_track", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	c.logger.Info("track finalized", "track", trackID, "path", storagePath, "duration_ms", durationMs)
	return nil
}
