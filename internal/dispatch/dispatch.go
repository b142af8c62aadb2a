// Package dispatch fires asynchronous partition-worker invocations. The
// production dispatcher POSTs each task to a configured worker URL; Func
// adapts any function for in-process dispatch and tests.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridianhq/ingest/internal/ingest"
)

// HTTP dispatches partition tasks as JSON POSTs. A non-2xx response is an
// error so the caller can abort partitioning; delivery retries beyond that
// are the queue infrastructure's concern, not ours.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates a dispatcher targeting workerURL.
func NewHTTP(workerURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		url:    workerURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *HTTP) Dispatch(ctx context.Context, task ingest.PartitionTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch task: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatch task: worker returned %s", resp.Status)
	}
	return nil
}

// Func adapts a function into a Dispatcher.
type Func func(ctx context.Context, task ingest.PartitionTask) error

func (f Func) Dispatch(ctx context.Context, task ingest.PartitionTask) error {
	return f(ctx, task)
}
