// Package runner executes dispatched jobs against a remote generator
// service.
package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jelmer/janitor-go/internal/registry"
)

// maxBodySize limits how much of a generator response is read.
const maxBodySize = 64 * 1024

// Runner turns dispatch requests into units of work that invoke the
// generator service over HTTP.
type Runner struct {
	generatorURL string
	client       *http.Client
	logger       zerolog.Logger
}

// New creates a Runner for the given generator base URL.
func New(generatorURL string, timeout time.Duration, logger zerolog.Logger) *Runner {
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &Runner{
		generatorURL: strings.TrimSuffix(generatorURL, "/"),
		client:       &http.Client{Timeout: timeout},
		logger:       logger.With().Str("component", "runner").Logger(),
	}
}

// Work returns the work function for a dispatch of the given key. The
// generator is invoked synchronously; its response status decides the
// job outcome.
func (r *Runner) Work(key, campaign string) registry.WorkFunc {
	return func(ctx context.Context) error {
		u := fmt.Sprintf("%s/generate/%s", r.generatorURL, url.PathEscape(key))
		if campaign != "" {
			u += "?campaign=" + url.QueryEscape(campaign)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return fmt.Errorf("failed to build generator request: %w", err)
		}

		r.logger.Debug().Str("key", key).Str("campaign", campaign).Msg("Invoking generator")
		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("generator request failed: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("generator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil
	}
}
