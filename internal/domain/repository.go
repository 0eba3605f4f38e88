package domain

import (
	"context"
	"time"
)

// ProfileBucket is the historical mean occupancy of a zone for one
// weekday/hour slot
type ProfileBucket struct {
	ZoneID  string       `json:"zone_id" db:"zone_id"`
	Weekday time.Weekday `json:"weekday" db:"weekday"`
	Hour    int          `json:"hour" db:"hour"`
	Mean    float64      `json:"mean" db:"mean"`
	Samples int          `json:"samples" db:"samples"`
}

// HistoryRepository defines the append-only history store.
// The domain defines the interface; storage packages implement it.
type HistoryRepository interface {
	// SaveOccupancy appends one accepted occupancy record
	SaveOccupancy(ctx context.Context, rec OccupancyRecord) error

	// SaveSnapshot appends a full set of records, used on shutdown
	SaveSnapshot(ctx context.Context, recs []OccupancyRecord) error

	// SaveEmergencyTransition appends an emergency status change
	SaveEmergencyTransition(ctx context.Context, e Emergency, change StatusChange) error

	// SaveWeather appends a weather snapshot
	SaveWeather(ctx context.Context, w WeatherSnapshot) error

	// LatestOccupancy returns the newest record per zone
	LatestOccupancy(ctx context.Context) ([]OccupancyRecord, error)

	// OccupancyHistory returns a zone's records in a time range, newest first
	OccupancyHistory(ctx context.Context, zoneID string, from, to time.Time) ([]OccupancyRecord, error)

	// OccupancyProfile aggregates measured history since the given time
	OccupancyProfile(ctx context.Context, since time.Time) ([]ProfileBucket, error)

	// Health checks database connectivity
	Health(ctx context.Context) error
}
