// Package memory keeps history in process, for demo mode and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
)

// Repository implements domain.HistoryRepository without a database.
// Occupancy history is capped per zone.
type Repository struct {
	mu          sync.RWMutex
	limit       int
	occupancy   map[string][]domain.OccupancyRecord // oldest first
	transitions []domain.StatusChange
	weather     []domain.WeatherSnapshot
}

// NewRepository creates a repository keeping up to limit records per zone.
func NewRepository(limit int) *Repository {
	if limit <= 0 {
		limit = 10000
	}
	return &Repository{limit: limit, occupancy: make(map[string][]domain.OccupancyRecord)}
}

func (r *Repository) SaveOccupancy(ctx context.Context, rec domain.OccupancyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(rec)
	return nil
}

func (r *Repository) SaveSnapshot(ctx context.Context, recs []domain.OccupancyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		r.insert(rec)
	}
	return nil
}

// insert keeps each zone's slice ordered and unique by timestamp.
func (r *Repository) insert(rec domain.OccupancyRecord) {
	recs := r.occupancy[rec.ZoneID]
	i := sort.Search(len(recs), func(i int) bool { return !recs[i].Timestamp.Before(rec.Timestamp) })
	if i < len(recs) && recs[i].Timestamp.Equal(rec.Timestamp) {
		return
	}
	recs = append(recs, domain.OccupancyRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	if len(recs) > r.limit {
		recs = recs[len(recs)-r.limit:]
	}
	r.occupancy[rec.ZoneID] = recs
}

func (r *Repository) SaveEmergencyTransition(ctx context.Context, e domain.Emergency, change domain.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, change)
	return nil
}

func (r *Repository) SaveWeather(ctx context.Context, w domain.WeatherSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weather = append(r.weather, w)
	return nil
}

func (r *Repository) LatestOccupancy(ctx context.Context) ([]domain.OccupancyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.OccupancyRecord, 0, len(r.occupancy))
	for _, recs := range r.occupancy {
		out = append(out, recs[len(recs)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out, nil
}

func (r *Repository) OccupancyHistory(ctx context.Context, zoneID string, from, to time.Time) ([]domain.OccupancyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.OccupancyRecord
	recs := r.occupancy[zoneID]
	for i := len(recs) - 1; i >= 0; i-- {
		ts := recs[i].Timestamp
		if ts.Before(from) {
			break
		}
		if !ts.After(to) {
			out = append(out, recs[i])
		}
	}
	return out, nil
}

func (r *Repository) OccupancyProfile(ctx context.Context, since time.Time) ([]domain.ProfileBucket, error) {
	type slot struct {
		zone    string
		weekday time.Weekday
		hour    int
	}
	sums := make(map[slot]*domain.ProfileBucket)

	r.mu.RLock()
	for zone, recs := range r.occupancy {
		for _, rec := range recs {
			if rec.Source != domain.SourceMeasured || rec.Timestamp.Before(since) {
				continue
			}
			ts := rec.Timestamp.UTC()
			k := slot{zone, ts.Weekday(), ts.Hour()}
			b, ok := sums[k]
			if !ok {
				b = &domain.ProfileBucket{ZoneID: zone, Weekday: k.weekday, Hour: k.hour}
				sums[k] = b
			}
			b.Mean += float64(rec.Count)
			b.Samples++
		}
	}
	r.mu.RUnlock()

	out := make([]domain.ProfileBucket, 0, len(sums))
	for _, b := range sums {
		b.Mean /= float64(b.Samples)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ZoneID != out[j].ZoneID {
			return out[i].ZoneID < out[j].ZoneID
		}
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		return out[i].Hour < out[j].Hour
	})
	return out, nil
}

// Transitions returns every saved status change, in save order.
func (r *Repository) Transitions() []domain.StatusChange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.StatusChange(nil), r.transitions...)
}

// Weather returns every saved weather snapshot, in save order.
func (r *Repository) Weather() []domain.WeatherSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.WeatherSnapshot(nil), r.weather...)
}

// Health always returns nil in memory mode
func (r *Repository) Health(ctx context.Context) error {
	return nil
}

var _ domain.HistoryRepository = (*Repository)(nil)
