// Package feed fetches staking history, trading statistics, subnet pools and
// prices from the upstream REST APIs. Amounts arrive in RAO and leave in
// whole-token units.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/trustedstake/stake-engine/internal/metrics"
)

const (
	// DefaultBaseURL is the staking data API.
	DefaultBaseURL = "https://api.app.trustedstake.ai"
	// DefaultPriceURL is the TAO/USD price endpoint.
	DefaultPriceURL = "https://api.coingecko.com/api/v3/simple/price?ids=bittensor&vs_currencies=usd&include_24hr_change=true"
	// DefaultPageInterval spaces consecutive page requests.
	DefaultPageInterval = 200 * time.Millisecond
	// DefaultTimeout bounds a single HTTP request.
	DefaultTimeout = 15 * time.Second
	// MaxPages stops runaway pagination.
	MaxPages = 1000
)

// ErrUnexpectedStatus is wrapped by every APIError.
var ErrUnexpectedStatus = errors.New("feed: unexpected status")

// APIError is a non-2xx response from an upstream endpoint.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("feed: %s returned %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("feed: %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return ErrUnexpectedStatus }

// Config configures a Client. Zero fields take the defaults above.
type Config struct {
	BaseURL      string
	PriceURL     string
	PageInterval time.Duration
	HTTPClient   *http.Client
}

// Client talks to the staking API and the price feed. It is safe for
// concurrent use; pagination across all callers shares one limiter.
type Client struct {
	baseURL  string
	priceURL string
	http     *http.Client
	pages    *rate.Limiter
}

// NewClient creates a feed client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PriceURL == "" {
		cfg.PriceURL = DefaultPriceURL
	}
	if cfg.PageInterval <= 0 {
		cfg.PageInterval = DefaultPageInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		priceURL: cfg.PriceURL,
		http:     cfg.HTTPClient,
		pages:    rate.NewLimiter(rate.Every(cfg.PageInterval), 1),
	}
}

// getJSON fetches rawURL and decodes the body into out. endpoint labels
// metrics and errors.
func (c *Client) getJSON(ctx context.Context, endpoint, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("feed: build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.FeedRequests.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("feed: request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.FeedRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("feed: decode %s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) endpointURL(path string, q url.Values) string {
	if len(q) == 0 {
		return c.baseURL + path
	}
	return c.baseURL + path + "?" + q.Encode()
}

// waitPage paces every page after the first.
func (c *Client) waitPage(ctx context.Context, page int) error {
	if page <= 1 {
		return nil
	}
	if err := c.pages.Wait(ctx); err != nil {
		return err
	}
	slog.Debug("feed page", "page", page)
	return nil
}
