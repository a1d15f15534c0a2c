// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package webhook delivers terminal job notifications with bounded retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/whisperd/internal/job"
	applog "github.com/ManuGH/whisperd/internal/log"
)

// ErrExhausted is returned when every delivery attempt failed. Delivery
// failure never changes the job outcome.
var ErrExhausted = errors.New("webhook: delivery attempts exhausted")

// Payload is the body POSTed to the webhook URL when a job reaches a
// terminal status.
type Payload struct {
	Event        string            `json:"event"`
	JobID        string            `json:"job_id"`
	Status       job.Status        `json:"status"`
	Error        *job.ErrorInfo    `json:"error,omitempty"`
	DownloadURLs map[string]string `json:"download_urls,omitempty"`
}

// Notifier posts job outcomes. Retries cover transport errors, 429 and 5xx;
// any other non-2xx status is treated as permanent.
type Notifier struct {
	Client   *http.Client
	Attempts int
	Backoff  time.Duration // doubles per attempt
	Budget   time.Duration // wall-clock cap over all attempts

	log zerolog.Logger
}

// NewNotifier returns a notifier with the standard retry policy: three
// attempts backed off 1s, 2s, 4s under a 30 second budget.
func NewNotifier() *Notifier {
	return &Notifier{
		Client:   &http.Client{Timeout: 10 * time.Second},
		Attempts: 3,
		Backoff:  time.Second,
		Budget:   30 * time.Second,
		log:      applog.WithComponent("webhook"),
	}
}

// NewPayload builds the delivery body from a terminal job.
func NewPayload(j *job.Job) Payload {
	p := Payload{
		JobID:  j.ID,
		Status: j.Status,
	}
	if j.Status == job.StatusCompleted {
		p.Event = "job.completed"
		p.DownloadURLs = DownloadURLs(j)
	} else {
		p.Event = "job.failed"
		p.Error = j.Error
	}
	return p
}

// DownloadURLs maps each produced format to its native download path.
func DownloadURLs(j *job.Job) map[string]string {
	if len(j.ResultFormats) == 0 {
		return nil
	}
	urls := make(map[string]string, len(j.ResultFormats))
	for _, f := range j.ResultFormats {
		urls[string(f)] = fmt.Sprintf("/api/jobs/%s/download?format=%s", j.ID, f)
	}
	return urls
}

// Deliver posts the payload, retrying per policy. Returns nil on any 2xx,
// ErrExhausted (wrapped with the last cause) otherwise.
func (n *Notifier) Deliver(ctx context.Context, url string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.Budget)
	defer cancel()

	var lastErr error
	backoff := n.Backoff
	for attempt := 1; attempt <= n.Attempts; attempt++ {
		retryable, err := n.post(ctx, url, body)
		if err == nil {
			n.log.Info().Str("job_id", p.JobID).Int("attempt", attempt).Msg("webhook delivered")
			return nil
		}
		lastErr = err
		n.log.Warn().Err(err).Str("job_id", p.JobID).Int("attempt", attempt).Msg("webhook attempt failed")

		if !retryable || attempt == n.Attempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return fmt.Errorf("%w: %s (budget elapsed)", ErrExhausted, lastErr)
		}
	}
	return fmt.Errorf("%w: %s", ErrExhausted, lastErr)
}

// post runs one attempt. The bool reports whether the failure is retryable.
func (n *Notifier) post(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "whisperd-webhook/1.0")

	resp, err := n.Client.Do(req)
	if err != nil {
		return true, fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retryable, fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
}
