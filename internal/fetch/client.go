// Package fetch wraps upstream HTTP calls with bounded retries, exponential
// backoff, and per-attempt timeout cancellation. It is purely a transport
// wrapper: no caching, no fallback generation.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/clearflow/aquaedge/internal/metrics"
)

const (
	defaultAttempts       = 3
	defaultAttemptTimeout = 8 * time.Second
	defaultBackoffBase    = time.Second

	maxResponseBytes = 1 << 20
)

// JSONFetcher is the surface the data access layer and the replay drainer
// consume. Both the plain client and the breaker-wrapped client satisfy it.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, method, url string, body any) (json.RawMessage, error)
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures New. Zero values fall back to the documented defaults:
// 3 attempts, 8s per-attempt timeout, 1s backoff base.
type Options struct {
	HTTPClient     httpDoer
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Recorder

	// sleep is injected by tests to observe backoff delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// Client performs JSON requests with retry semantics. Every attempt is bounded
// by its own deadline; the retry loop's only exits are success, exhaustion, or
// context cancellation.
type Client struct {
	http        httpDoer
	maxAttempts int
	timeout     time.Duration
	backoffBase time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds a client from the supplied options.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}
	return &Client{
		http:        opts.HTTPClient,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.AttemptTimeout,
		backoffBase: opts.BackoffBase,
		logger:      opts.Logger.With(slog.String("agent", "fetch_client")),
		metrics:     opts.Metrics,
		sleep:       opts.sleep,
	}
}

// FetchJSON issues the request until it succeeds or the attempt budget runs
// out, waiting base * 2^i between attempts. Non-2xx statuses count as failed
// attempts; every failure kind is retried indiscriminately, matching the
// documented contract. The returned error is always a *Error on failure.
func (c *Client) FetchJSON(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	var bodyBytes []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("fetch: encode request body: %w", err)
		}
		bodyBytes = encoded
	}

	var lastErr *Error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase << (attempt - 1)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		payload, fetchErr := c.attempt(ctx, method, url, bodyBytes)
		if fetchErr == nil {
			c.observe(metrics.FetchSuccess)
			return payload, nil
		}
		c.observe(outcomeFor(fetchErr.Kind))
		c.logger.Warn("fetch attempt failed",
			slog.String("url", url),
			slog.Int("attempt", attempt+1),
			slog.String("kind", string(fetchErr.Kind)),
			slog.Any("error", fetchErr.Err))
		lastErr = fetchErr

		if ctx.Err() != nil {
			break
		}
	}

	lastErr.Attempts = c.maxAttempts
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr.Err, ctxErr) {
		// Caller cancellation trumps the per-attempt classification.
		return nil, ctxErr
	}
	return nil, lastErr
}

// attempt performs one bounded request. The deadline covers connection, send,
// and the full body read; expiry aborts the in-flight request.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte) (json.RawMessage, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, &Error{Kind: KindConnectivity, URL: url, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), URL: url, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:   KindHTTP,
			Status: resp.StatusCode,
			URL:    url,
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	if !json.Valid(payload) {
		return nil, &Error{Kind: KindDecode, URL: url, Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(payload), nil
}

func (c *Client) observe(outcome metrics.FetchOutcome) {
	if c.metrics != nil {
		c.metrics.ObserveFetchAttempt(outcome)
	}
}

func outcomeFor(kind ErrorKind) metrics.FetchOutcome {
	switch kind {
	case KindTimeout:
		return metrics.FetchTimeout
	case KindHTTP:
		return metrics.FetchHTTPError
	case KindDecode:
		return metrics.FetchDecode
	default:
		return metrics.FetchConnectivity
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
