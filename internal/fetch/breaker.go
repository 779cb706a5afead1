package fetch

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerOptions tunes the circuit breaker wrapping a Client. Zero values fall
// back to a 60% failure-rate trip after 10 requests, a 1 minute measurement
// window, and a 2 minute open-state timeout.
type BreakerOptions struct {
	Name        string
	MinRequests int
	Interval    time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Breaker wraps a JSONFetcher with a circuit breaker so a persistently failing
// upstream trips open instead of burning full retry budgets per call. Requests
// rejected while open surface as connectivity failures, which the data access
// layer already degrades to fallback data.
type Breaker struct {
	inner  JSONFetcher
	cb     *gobreaker.CircuitBreaker[json.RawMessage]
	logger *slog.Logger
}

// NewBreaker wraps inner with a circuit breaker.
func NewBreaker(inner JSONFetcher, opts BreakerOptions) *Breaker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "fetch_breaker"))

	name := opts.Name
	if name == "" {
		name = "upstream"
	}
	minRequests := uint32(10)
	if opts.MinRequests > 0 {
		minRequests = uint32(opts.MinRequests)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Breaker{inner: inner, cb: cb, logger: logger}
}

// FetchJSON executes the wrapped fetch through the breaker. While the breaker
// is open the request is rejected immediately and reported as a connectivity
// failure.
func (b *Breaker) FetchJSON(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	payload, err := b.cb.Execute(func() (json.RawMessage, error) {
		return b.inner.FetchJSON(ctx, method, url, body)
	})
	if err == nil {
		return payload, nil
	}
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return nil, &Error{Kind: KindConnectivity, URL: url, Attempts: 0, Err: err}
	}
	return nil, err
}
