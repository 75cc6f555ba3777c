// Package media resolves a submitted URL into playable metadata via an
// external resolver service, protected by a circuit breaker that classifies
// gobreaker.ErrOpenState as a degraded-upstream condition rather than
// letting calls hang.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
	"github.com/waveroomhq/roomserver/internal/v1/metrics"
	"github.com/waveroomhq/roomserver/internal/v1/roomerr"
)

// Client resolves a submitted URL into playable media metadata via an HTTP
// metadata-resolver service, wrapped in a circuit breaker so a degraded
// resolver surfaces as classified upstream_unavailable errors rather than
// hanging the Queue Engine.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	st := gobreaker.Settings{
		Name:        "metadata-resolver",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("metadata-resolver").Set(stateVal)
		},
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		cb:         gobreaker.NewCircuitBreaker(st),
	}
}

type resolveResponse struct {
	VideoID         string  `json:"video_id"`
	Title           string  `json:"title"`
	Channel         string  `json:"channel"`
	Thumbnail       string  `json:"thumbnail"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Healthy reports whether the circuit breaker protecting calls to the
// metadata resolver is not currently open. Used by the health handler's
// readiness check.
func (c *Client) Healthy() bool {
	return c.cb.State() != gobreaker.StateOpen
}

// Resolve validates url and returns its playable metadata. Rate limiting,
// 404, 5xx, transport failures and an open breaker surface as a classified
// roomerr.UpstreamUnavailable error; other 4xx responses as
// roomerr.InvalidInput, and an undecodable body as roomerr.Internal.
func (c *Client) Resolve(ctx context.Context, url string) (domain.MediaRef, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.resolve(ctx, url)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("metadata-resolver").Inc()
			return domain.MediaRef{}, roomerr.Upstream("circuit_open", "metadata resolver unavailable")
		}
		return domain.MediaRef{}, err
	}
	return result.(domain.MediaRef), nil
}

func (c *Client) resolve(ctx context.Context, url string) (domain.MediaRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/resolve", nil)
	if err != nil {
		return domain.MediaRef{}, roomerr.InvalidInputf("malformed resolver request: %v", err)
	}
	q := req.URL.Query()
	q.Set("url", url)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.MediaRef{}, roomerr.Upstream("timeout", fmt.Sprintf("metadata resolver request failed: %v", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.MediaRef{}, roomerr.Upstream("rate_limited", "metadata resolver rate-limited this request")
	case resp.StatusCode == http.StatusNotFound:
		return domain.MediaRef{}, roomerr.Upstream("not_found", "url did not resolve to playable media")
	case resp.StatusCode >= 500:
		return domain.MediaRef{}, roomerr.Upstream("quota_exceeded", "metadata resolver reported a server error")
	case resp.StatusCode >= 400:
		return domain.MediaRef{}, roomerr.InvalidInputf("url rejected by metadata resolver (status %d)", resp.StatusCode)
	}

	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.MediaRef{}, roomerr.Internalf("failed to decode resolver response: %v", err)
	}

	return domain.MediaRef{
		URL:             url,
		VideoID:         body.VideoID,
		Title:           body.Title,
		Channel:         body.Channel,
		Thumbnail:       body.Thumbnail,
		DurationSeconds: body.DurationSeconds,
	}, nil
}
