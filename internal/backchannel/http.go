// Package backchannel implements worker backchannels over HTTP.
package backchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jelmer/janitor-go/internal/models"
)

// maxBodySize limits how much of a worker response is read.
const maxBodySize = 64 * 1024

// HTTPBackchannel talks to a worker's supervision endpoints. One
// instance is created per worker base URL; ForRun binds it to a run.
type HTTPBackchannel struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// Compile-time check.
var _ models.Backchannel = (*HTTPBackchannel)(nil)

// New creates an HTTP backchannel for a worker base URL.
func New(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPBackchannel {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackchannel{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "backchannel").Logger(),
	}
}

// BaseURL returns the worker base URL this backchannel talks to.
func (b *HTTPBackchannel) BaseURL() string {
	return b.baseURL
}

// HealthStatus queries the worker for the health of a run.
func (b *HTTPBackchannel) HealthStatus(ctx context.Context, runID string) (*models.HealthStatus, error) {
	u := fmt.Sprintf("%s/runs/%s/health", b.baseURL, url.PathEscape(runID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("run %s not found on worker", runID)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("worker error: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d from worker", resp.StatusCode)
	}

	var health models.HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Terminate asks the worker to kill a run. A missing run is not an
// error; the goal state is already reached.
func (b *HTTPBackchannel) Terminate(ctx context.Context, runID string) error {
	u := fmt.Sprintf("%s/runs/%s/kill", b.baseURL, url.PathEscape(runID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build kill request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	if resp.StatusCode == http.StatusNotFound {
		b.logger.Debug().Str("run_id", runID).Msg("Run already gone on worker")
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("kill request failed: status %d", resp.StatusCode)
	}
	return nil
}

// Factory builds backchannels keyed by worker base URL, sharing one
// timeout and logger. Used to reattach backchannels to persisted runs.
type Factory struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewFactory creates a backchannel factory.
func NewFactory(timeout time.Duration, logger zerolog.Logger) *Factory {
	return &Factory{timeout: timeout, logger: logger}
}

// ForWorker returns a backchannel for the given worker base URL.
func (f *Factory) ForWorker(baseURL string) models.Backchannel {
	return New(baseURL, f.timeout, f.logger)
}
