package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartcity/crowdnav/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS occupancy_history (
	zone_id    TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	count      INTEGER NOT NULL,
	capacity   INTEGER NOT NULL,
	level      TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	source     TEXT NOT NULL,
	trend      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (zone_id, ts)
);

CREATE TABLE IF NOT EXISTS emergency_transitions (
	emergency_id UUID NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	type         TEXT NOT NULL,
	zone_id      TEXT NOT NULL,
	severity     TEXT NOT NULL,
	from_status  TEXT NOT NULL,
	to_status    TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (emergency_id, to_status)
);

CREATE TABLE IF NOT EXISTS weather_history (
	ts           TIMESTAMPTZ PRIMARY KEY,
	temperature  DOUBLE PRECISION NOT NULL,
	humidity     INTEGER NOT NULL,
	wind_speed   DOUBLE PRECISION NOT NULL,
	visibility   DOUBLE PRECISION NOT NULL,
	conditions   TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	crowd_impact DOUBLE PRECISION NOT NULL,
	is_mock      BOOLEAN NOT NULL
);
`

// PostgresRepository implements domain.HistoryRepository
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate creates the history tables if they do not exist
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed to migrate: %w", err)
	}
	return nil
}

const insertOccupancy = `
	INSERT INTO occupancy_history (
		zone_id, ts, count, capacity, level, confidence, source, trend
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (zone_id, ts) DO NOTHING
`

func occupancyArgs(rec domain.OccupancyRecord) []any {
	return []any{
		rec.ZoneID, rec.Timestamp.UTC(), rec.Count, rec.Capacity,
		rec.Level.String(), rec.Confidence, string(rec.Source), rec.Trend,
	}
}

// SaveOccupancy persists one accepted occupancy record
func (r *PostgresRepository) SaveOccupancy(ctx context.Context, rec domain.OccupancyRecord) error {
	if _, err := r.pool.Exec(ctx, insertOccupancy, occupancyArgs(rec)...); err != nil {
		return fmt.Errorf("postgres: failed to save occupancy: %w", err)
	}
	return nil
}

// SaveSnapshot persists a full set of records in one round trip
func (r *PostgresRepository) SaveSnapshot(ctx context.Context, recs []domain.OccupancyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(insertOccupancy, occupancyArgs(rec)...)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: failed to save snapshot: %w", err)
	}
	return nil
}

// SaveEmergencyTransition persists an emergency status change
func (r *PostgresRepository) SaveEmergencyTransition(ctx context.Context, e domain.Emergency, change domain.StatusChange) error {
	query := `
		INSERT INTO emergency_transitions (
			emergency_id, ts, type, zone_id, severity, from_status, to_status, description
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (emergency_id, to_status) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		e.ID.String(), change.At.UTC(), string(e.Type), e.ZoneID, e.Severity.String(),
		change.From.String(), change.To.String(), e.Description,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save emergency transition: %w", err)
	}

	return nil
}

// SaveWeather persists weather data to PostgreSQL
func (r *PostgresRepository) SaveWeather(ctx context.Context, w domain.WeatherSnapshot) error {
	query := `
		INSERT INTO weather_history (
			ts, temperature, humidity, wind_speed, visibility,
			conditions, description, crowd_impact, is_mock
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ts) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		w.Timestamp.UTC(), w.Temperature, w.Humidity, w.WindSpeed, w.Visibility,
		string(w.Conditions), w.Description, w.CrowdImpact, w.IsMock,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save weather data: %w", err)
	}

	return nil
}

// LatestOccupancy returns the newest record per zone
func (r *PostgresRepository) LatestOccupancy(ctx context.Context) ([]domain.OccupancyRecord, error) {
	query := `
		SELECT DISTINCT ON (zone_id)
			zone_id, ts, count, capacity, level, confidence, source, trend
		FROM occupancy_history
		ORDER BY zone_id, ts DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query latest occupancy: %w", err)
	}
	return scanOccupancy(rows)
}

// OccupancyHistory returns a zone's records in a time range, newest first
func (r *PostgresRepository) OccupancyHistory(ctx context.Context, zoneID string, from, to time.Time) ([]domain.OccupancyRecord, error) {
	query := `
		SELECT zone_id, ts, count, capacity, level, confidence, source, trend
		FROM occupancy_history
		WHERE zone_id = $1 AND ts BETWEEN $2 AND $3
		ORDER BY ts DESC
		LIMIT 1000
	`

	rows, err := r.pool.Query(ctx, query, zoneID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query occupancy history: %w", err)
	}
	return scanOccupancy(rows)
}

func scanOccupancy(rows pgx.Rows) ([]domain.OccupancyRecord, error) {
	defer rows.Close()

	var results []domain.OccupancyRecord
	for rows.Next() {
		var (
			rec           domain.OccupancyRecord
			level, source string
		)
		err := rows.Scan(
			&rec.ZoneID, &rec.Timestamp, &rec.Count, &rec.Capacity,
			&level, &rec.Confidence, &source, &rec.Trend,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan occupancy row: %w", err)
		}
		if rec.Level, err = domain.ParseCrowdLevel(level); err != nil {
			return nil, fmt.Errorf("postgres: bad level in history: %w", err)
		}
		if rec.Source, err = domain.ParseSource(source); err != nil {
			return nil, fmt.Errorf("postgres: bad source in history: %w", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read occupancy rows: %w", err)
	}

	return results, nil
}

// OccupancyProfile averages measured counts per zone, weekday and hour
func (r *PostgresRepository) OccupancyProfile(ctx context.Context, since time.Time) ([]domain.ProfileBucket, error) {
	query := `
		SELECT zone_id,
			   EXTRACT(DOW FROM ts AT TIME ZONE 'UTC')::int AS weekday,
			   EXTRACT(HOUR FROM ts AT TIME ZONE 'UTC')::int AS hour,
			   AVG(count)::float8 AS mean,
			   COUNT(*)::int AS samples
		FROM occupancy_history
		WHERE source = 'measured' AND ts >= $1
		GROUP BY zone_id, weekday, hour
		ORDER BY zone_id, weekday, hour
	`

	rows, err := r.pool.Query(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query occupancy profile: %w", err)
	}
	defer rows.Close()

	var results []domain.ProfileBucket
	for rows.Next() {
		var (
			b       domain.ProfileBucket
			weekday int
		)
		if err := rows.Scan(&b.ZoneID, &weekday, &b.Hour, &b.Mean, &b.Samples); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan profile row: %w", err)
		}
		b.Weekday = time.Weekday(weekday)
		results = append(results, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read profile rows: %w", err)
	}

	return results, nil
}

// Health checks database connectivity
func (r *PostgresRepository) Health(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check failed: %w", err)
	}
	return nil
}

var _ domain.HistoryRepository = (*PostgresRepository)(nil)
