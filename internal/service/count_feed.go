package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/occupancy"
)

// CountFeedConfig configures the sensor gateway poller. The feed is off
// when URL is empty.
type CountFeedConfig struct {
	URL        string        `env:"COUNT_FEED_URL"`
	Interval   time.Duration `env:"COUNT_FEED_INTERVAL" envDefault:"15s"`
	MaxElapsed time.Duration `env:"COUNT_FEED_RETRY_MAX" envDefault:"30s"`
}

// CountBatch is the gateway's response body
type CountBatch struct {
	Readings []domain.OccupancyUpdate `json:"readings"`
}

// CountFeed pulls head counts from the sensor gateway
type CountFeed struct {
	cfg        CountFeedConfig
	httpClient *http.Client
}

// NewCountFeed creates a new count feed
func NewCountFeed(cfg CountFeedConfig) *CountFeed {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	return &CountFeed{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Fetch pulls one batch of readings, retrying transient failures.
func (f *CountFeed) Fetch(ctx context.Context) ([]domain.OccupancyUpdate, error) {
	operation := func() ([]domain.OccupancyUpdate, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("count_feed: failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("count_feed: request failed: %w", err)
		}
		defer resp.Body.Close()

		if err := statusError("count_feed", resp); err != nil {
			return nil, err
		}

		var batch CountBatch
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("count_feed: failed to decode response: %w", err))
		}
		return batch.Readings, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(f.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("count_feed: %v, retrying in %s", err, next.Round(time.Millisecond))
		}),
	)
}

// Run polls until ctx is done and hands every batch to ingest. Stale
// readings are expected when the gateway repeats itself and are not logged.
func (f *CountFeed) Run(ctx context.Context, ingest func(context.Context, []domain.OccupancyUpdate) []occupancy.Result) error {
	if f.cfg.URL == "" {
		log.Println("count_feed: no gateway configured, feed disabled")
		return nil
	}
	log.Printf("count_feed: polling %s every %s", f.cfg.URL, f.cfg.Interval)

	tick := time.NewTicker(f.cfg.Interval)
	defer tick.Stop()
	for {
		readings, err := f.Fetch(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Printf("count_feed: poll failed: %v", err)
		case err == nil && len(readings) > 0:
			accepted, rejected := 0, 0
			for _, r := range ingest(ctx, readings) {
				switch {
				case r.Err == nil:
					accepted++
				case !errors.Is(r.Err, domain.ErrStaleData):
					rejected++
					log.Printf("count_feed: reading rejected: %v", r.Err)
				}
			}
			if rejected > 0 {
				log.Printf("count_feed: %d accepted, %d rejected", accepted, rejected)
			}
		}

		select {
		case <-ctx.Done():
			log.Println("count_feed: stopped")
			return nil
		case <-tick.C:
		}
	}
}
