package replay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/clearflow/aquaedge/internal/fetch"
)

const defaultDrainInterval = 5 * time.Minute

// DrainerOptions wires the background drainer.
type DrainerOptions struct {
	Queue *Queue
	// Fetcher posts each event to the analytics endpoint.
	Fetcher fetch.JSONFetcher
	// Endpoint is the absolute analytics URL.
	Endpoint string
	// Recovered receives a token on each offline-to-online transition.
	Recovered <-chan struct{}
	Interval  time.Duration
	Logger    *slog.Logger
}

// Drainer replays the buffered queue whenever connectivity returns, plus on a
// periodic safety-net tick. Both triggers tolerate an empty queue.
type Drainer struct {
	queue     *Queue
	fetcher   fetch.JSONFetcher
	endpoint  string
	recovered <-chan struct{}
	interval  time.Duration
	logger    *slog.Logger
}

// NewDrainer builds the drainer.
func NewDrainer(opts DrainerOptions) *Drainer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	return &Drainer{
		queue:     opts.Queue,
		fetcher:   opts.Fetcher,
		endpoint:  opts.Endpoint,
		recovered: opts.Recovered,
		interval:  interval,
		logger:    logger.With(slog.String("agent", "replay_drainer")),
	}
}

// Run blocks until ctx is canceled, draining on every trigger.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.recovered:
			d.drain(ctx)
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Drainer) drain(ctx context.Context) {
	sent, err := d.queue.Drain(ctx, func(ctx context.Context, ev Event) error {
		_, err := d.fetcher.FetchJSON(ctx, http.MethodPost, d.endpoint, ev)
		return err
	})
	if err != nil {
		d.logger.Warn("replay drain halted", slog.Int("sent", sent), slog.Any("error", err))
		return
	}
	if sent > 0 {
		d.logger.Info("replay drain complete", slog.Int("sent", sent))
	}
}
