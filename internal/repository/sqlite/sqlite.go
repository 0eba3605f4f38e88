// Package sqlite stores history in an embedded SQLite file, used when no
// Postgres database is configured.
package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/smartcity/crowdnav/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS occupancy_history (
	zone_id    TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	capacity   INTEGER NOT NULL,
	level      TEXT NOT NULL,
	confidence REAL NOT NULL,
	source     TEXT NOT NULL,
	trend      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (zone_id, ts)
);

CREATE TABLE IF NOT EXISTS emergency_transitions (
	emergency_id TEXT NOT NULL,
	ts           INTEGER NOT NULL,
	type         TEXT NOT NULL,
	zone_id      TEXT NOT NULL,
	severity     TEXT NOT NULL,
	from_status  TEXT NOT NULL,
	to_status    TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (emergency_id, to_status)
);

CREATE TABLE IF NOT EXISTS weather_history (
	ts           INTEGER PRIMARY KEY,
	temperature  REAL NOT NULL,
	humidity     INTEGER NOT NULL,
	wind_speed   REAL NOT NULL,
	visibility   REAL NOT NULL,
	conditions   TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	crowd_impact REAL NOT NULL,
	is_mock      INTEGER NOT NULL
);
`

// Store implements domain.HistoryRepository on SQLite. Timestamps are
// stored as unix milliseconds in UTC.
type Store struct {
	db *sqlx.DB
}

// Open opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to ping: %w", err)
	}
	// One writer keeps SQLite out of SQLITE_BUSY under the history writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type occupancyRow struct {
	ZoneID     string  `db:"zone_id"`
	TS         int64   `db:"ts"`
	Count      int     `db:"count"`
	Capacity   int     `db:"capacity"`
	Level      string  `db:"level"`
	Confidence float64 `db:"confidence"`
	Source     string  `db:"source"`
	Trend      string  `db:"trend"`
}

func toRow(rec domain.OccupancyRecord) occupancyRow {
	return occupancyRow{
		ZoneID:     rec.ZoneID,
		TS:         rec.Timestamp.UTC().UnixMilli(),
		Count:      rec.Count,
		Capacity:   rec.Capacity,
		Level:      rec.Level.String(),
		Confidence: rec.Confidence,
		Source:     string(rec.Source),
		Trend:      rec.Trend,
	}
}

func (row occupancyRow) record() (domain.OccupancyRecord, error) {
	level, err := domain.ParseCrowdLevel(row.Level)
	if err != nil {
		return domain.OccupancyRecord{}, err
	}
	source, err := domain.ParseSource(row.Source)
	if err != nil {
		return domain.OccupancyRecord{}, err
	}
	return domain.OccupancyRecord{
		ZoneID:     row.ZoneID,
		Count:      row.Count,
		Capacity:   row.Capacity,
		Level:      level,
		Confidence: row.Confidence,
		Source:     source,
		Timestamp:  time.UnixMilli(row.TS).UTC(),
		Trend:      row.Trend,
	}, nil
}

const insertOccupancy = `
INSERT OR IGNORE INTO occupancy_history (
	zone_id, ts, count, capacity, level, confidence, source, trend
) VALUES (:zone_id, :ts, :count, :capacity, :level, :confidence, :source, :trend)
`

// SaveOccupancy appends one accepted occupancy record.
func (s *Store) SaveOccupancy(ctx context.Context, rec domain.OccupancyRecord) error {
	if _, err := s.db.NamedExecContext(ctx, insertOccupancy, toRow(rec)); err != nil {
		return fmt.Errorf("sqlite: failed to save occupancy: %w", err)
	}
	return nil
}

// SaveSnapshot appends a full set of records in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, recs []domain.OccupancyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if _, err := tx.NamedExecContext(ctx, insertOccupancy, toRow(rec)); err != nil {
			return fmt.Errorf("sqlite: failed to save snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit snapshot: %w", err)
	}
	return nil
}

// SaveEmergencyTransition appends an emergency status change.
func (s *Store) SaveEmergencyTransition(ctx context.Context, e domain.Emergency, change domain.StatusChange) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO emergency_transitions (
	emergency_id, ts, type, zone_id, severity, from_status, to_status, description
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		e.ID.String(), change.At.UTC().UnixMilli(), string(e.Type), e.ZoneID, e.Severity.String(),
		change.From.String(), change.To.String(), e.Description,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to save emergency transition: %w", err)
	}
	return nil
}

// SaveWeather appends a weather snapshot.
func (s *Store) SaveWeather(ctx context.Context, w domain.WeatherSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO weather_history (
	ts, temperature, humidity, wind_speed, visibility, conditions, description, crowd_impact, is_mock
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		w.Timestamp.UTC().UnixMilli(), w.Temperature, w.Humidity, w.WindSpeed, w.Visibility,
		string(w.Conditions), w.Description, w.CrowdImpact, w.IsMock,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to save weather: %w", err)
	}
	return nil
}

// LatestOccupancy returns the newest record per zone.
func (s *Store) LatestOccupancy(ctx context.Context) ([]domain.OccupancyRecord, error) {
	var rows []occupancyRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT h.zone_id, h.ts, h.count, h.capacity, h.level, h.confidence, h.source, h.trend
FROM occupancy_history h
JOIN (SELECT zone_id, MAX(ts) AS ts FROM occupancy_history GROUP BY zone_id) latest
	ON latest.zone_id = h.zone_id AND latest.ts = h.ts
ORDER BY h.zone_id
`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query latest occupancy: %w", err)
	}
	return records(rows)
}

// OccupancyHistory returns a zone's records in a time range, newest first.
func (s *Store) OccupancyHistory(ctx context.Context, zoneID string, from, to time.Time) ([]domain.OccupancyRecord, error) {
	var rows []occupancyRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT zone_id, ts, count, capacity, level, confidence, source, trend
FROM occupancy_history
WHERE zone_id = ? AND ts BETWEEN ? AND ?
ORDER BY ts DESC
LIMIT 1000
`, zoneID, from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query occupancy history: %w", err)
	}
	return records(rows)
}

func records(rows []occupancyRow) ([]domain.OccupancyRecord, error) {
	out := make([]domain.OccupancyRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, fmt.Errorf("sqlite: bad occupancy row for %s: %w", row.ZoneID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// OccupancyProfile averages measured counts per zone, weekday and hour.
func (s *Store) OccupancyProfile(ctx context.Context, since time.Time) ([]domain.ProfileBucket, error) {
	var buckets []domain.ProfileBucket
	err := s.db.SelectContext(ctx, &buckets, `
SELECT zone_id,
	CAST(strftime('%w', ts / 1000, 'unixepoch') AS INTEGER) AS weekday,
	CAST(strftime('%H', ts / 1000, 'unixepoch') AS INTEGER) AS hour,
	AVG(count) AS mean,
	COUNT(*) AS samples
FROM occupancy_history
WHERE source = 'measured' AND ts >= ?
GROUP BY zone_id, weekday, hour
ORDER BY zone_id, weekday, hour
`, since.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query occupancy profile: %w", err)
	}
	return buckets, nil
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: health check failed: %w", err)
	}
	return nil
}

var _ domain.HistoryRepository = (*Store)(nil)
