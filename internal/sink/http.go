package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-rbe-reporter/internal/metrics"
)

// HTTPJournal posts every record as JSON to an endpoint, for example a
// scheduler's completion webhook.
type HTTPJournal struct {
	endpoint string
	client   *http.Client
	retries  uint64
	delay    time.Duration
	log      *slog.Logger
}

// NewHTTPJournal creates a journal posting to endpoint.
func NewHTTPJournal(endpoint string) (*HTTPJournal, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("journal endpoint required")
	}
	return &HTTPJournal{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		retries: 2,
		delay:   time.Second,
		log:     slog.With("component", "journal", "endpoint", endpoint),
	}, nil
}

// Record posts rec, retrying failed requests with exponential backoff.
func (j *HTTPJournal) Record(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = j.delay
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, j.retries), ctx)

	err = backoff.RetryNotify(func() error {
		return j.post(ctx, body)
	}, policy, func(err error, wait time.Duration) {
		j.log.Warn("post failed, retrying", "operation", rec.Operation, "wait", wait, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(metrics.Labels{Operation: "journal_post"})
		}
	})
	if err != nil {
		return fmt.Errorf("post record for %s: %w", rec.Operation, err)
	}
	return nil
}

// post sends a single POST request.
func (j *HTTPJournal) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		j.log.Debug("record posted", "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

func (j *HTTPJournal) Close() error { return nil }

// Verify HTTPJournal implements Journal.
var _ Journal = (*HTTPJournal)(nil)
