// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/roclive/roc/internal/metrics"
)

// HTTPSource polls a scoreboard state endpoint that serves the current
// sample as JSON. The scraping side that feeds that endpoint is an
// external collaborator.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource builds a source polling the given URL.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves one raw sample.
func (s *HTTPSource) Fetch(ctx context.Context) (RawSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return RawSample{}, fmt.Errorf("build telemetry request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordTelemetryPoll("error")
		return RawSample{}, fmt.Errorf("poll telemetry source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordTelemetryPoll("error")
		return RawSample{}, fmt.Errorf("telemetry source returned %d", resp.StatusCode)
	}

	var sample RawSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		metrics.RecordTelemetryPoll("error")
		return RawSample{}, fmt.Errorf("decode telemetry sample: %w", err)
	}

	metrics.RecordTelemetryPoll("ok")
	return sample, nil
}
