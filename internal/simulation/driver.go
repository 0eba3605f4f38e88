// Package simulation fills occupancy gaps with estimates when live counts
// are missing or have gone stale.
package simulation

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/occupancy"
)

// Confidence attached to estimates, by where the estimate came from.
const (
	historyConfidence  = 0.6
	baselineConfidence = 0.5
	// maxPerturbation is the relative noise applied at zero confidence
	maxPerturbation = 0.2
)

// Config controls the driver.
type Config struct {
	Period              time.Duration `env:"SIM_PERIOD" envDefault:"30s"`
	ConfidenceThreshold float64       `env:"SIM_CONFIDENCE_THRESHOLD" envDefault:"0.5"`
	ProfileRefresh      time.Duration `env:"SIM_PROFILE_REFRESH" envDefault:"1h"`
	ProfileWindow       time.Duration `env:"SIM_PROFILE_WINDOW" envDefault:"672h"`
	Seed                int64         `env:"SIM_SEED" envDefault:"1"`
}

func DefaultConfig() Config {
	return Config{
		Period:              30 * time.Second,
		ConfidenceThreshold: 0.5,
		ProfileRefresh:      time.Hour,
		ProfileWindow:       28 * 24 * time.Hour,
		Seed:                1,
	}
}

// Driver periodically writes estimated records through the occupancy
// store. It only ever writes with source=estimated and the current time,
// so the store's staleness rule keeps fresher measurements intact.
type Driver struct {
	cfg     Config
	store   *occupancy.Store
	zones   func() []domain.Zone
	history domain.HistoryRepository
	weather func() *domain.WeatherSnapshot

	profile atomic.Pointer[Profile]
	mu      sync.Mutex // guards rng
	rng     *rand.Rand
}

// NewDriver creates a driver. history and weather may be nil.
func NewDriver(cfg Config, store *occupancy.Store, zones func() []domain.Zone, history domain.HistoryRepository, weather func() *domain.WeatherSnapshot) *Driver {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	if cfg.ProfileRefresh <= 0 {
		cfg.ProfileRefresh = DefaultConfig().ProfileRefresh
	}
	d := &Driver{
		cfg:     cfg,
		store:   store,
		zones:   zones,
		history: history,
		weather: weather,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
	d.profile.Store(NewProfile(nil))
	return d
}

// SetProfile replaces the historical profile.
func (d *Driver) SetProfile(p *Profile) {
	d.profile.Store(p)
}

// RefreshProfile reloads the profile from history.
func (d *Driver) RefreshProfile(ctx context.Context, now time.Time) error {
	if d.history == nil {
		return nil
	}
	buckets, err := d.history.OccupancyProfile(ctx, now.Add(-d.cfg.ProfileWindow))
	if err != nil {
		return fmt.Errorf("simulation: failed to load profile: %w", err)
	}
	p := NewProfile(buckets)
	d.profile.Store(p)
	log.Printf("simulation: profile refreshed (%d slots)", p.Len())
	return nil
}

// Tick estimates every zone that has no record or whose confidence has
// fallen below the threshold. It returns how many estimates were accepted.
func (d *Driver) Tick(now time.Time) int {
	snap := d.store.Snapshot()
	profile := d.profile.Load()
	var w *domain.WeatherSnapshot
	if d.weather != nil {
		w = d.weather()
	}

	var updates []domain.OccupancyUpdate
	d.mu.Lock()
	for _, z := range d.zones() {
		conf := 0.0
		if rec, ok := snap.Record(z.ID); ok {
			if rec.Confidence >= d.cfg.ConfidenceThreshold || !now.After(rec.Timestamp) {
				continue
			}
			conf = rec.Confidence
		}
		expected, fromHistory := profile.Expected(z, now, w)
		spread := (1 - conf) * maxPerturbation
		noisy := expected * (1 + (d.rng.Float64()*2-1)*spread)
		count := int(math.Round(math.Max(0, math.Min(noisy, float64(z.Capacity)))))

		c := baselineConfidence
		if fromHistory {
			c = historyConfidence
		}
		updates = append(updates, domain.OccupancyUpdate{
			ZoneID:     z.ID,
			Count:      count,
			Timestamp:  now,
			Source:     domain.SourceEstimated,
			Confidence: c,
		})
	}
	d.mu.Unlock()

	if len(updates) == 0 {
		return 0
	}
	accepted := 0
	for _, r := range d.store.ApplyBatch(updates) {
		if r.Err == nil {
			accepted++
		}
	}
	return accepted
}

// Run decays and fills the store every period until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	log.Printf("simulation: driver started (period %s)", d.cfg.Period)
	if err := d.RefreshProfile(ctx, time.Now()); err != nil {
		log.Printf("simulation: %v", err)
	}

	tick := time.NewTicker(d.cfg.Period)
	defer tick.Stop()
	refresh := time.NewTicker(d.cfg.ProfileRefresh)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("simulation: driver stopped")
			return nil
		case now := <-refresh.C:
			if err := d.RefreshProfile(ctx, now); err != nil {
				log.Printf("simulation: %v", err)
			}
		case now := <-tick.C:
			decayed := d.store.Decay(now)
			if n := d.Tick(now); n > 0 || decayed > 0 {
				log.Printf("simulation: %d record(s) decayed, %d estimate(s) written", decayed, n)
			}
		}
	}
}
