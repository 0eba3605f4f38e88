package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smartcity/crowdnav/internal/domain"
)

var t0 = time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOccupancyHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []domain.OccupancyRecord{
		{ZoneID: "ghat", Count: 100, Capacity: 1000, Level: domain.LevelLow, Confidence: 1, Source: domain.SourceMeasured, Timestamp: t0},
		{ZoneID: "ghat", Count: 600, Capacity: 1000, Level: domain.LevelMedium, Confidence: 1, Source: domain.SourceMeasured, Timestamp: t0.Add(time.Minute), Trend: "increasing"},
		{ZoneID: "temple", Count: 50, Capacity: 100, Level: domain.LevelMedium, Confidence: 0.6, Source: domain.SourceEstimated, Timestamp: t0},
	}
	if err := s.SaveSnapshot(ctx, recs); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if err := s.SaveOccupancy(ctx, recs[0]); err != nil {
		t.Fatalf("duplicate save should be ignored: %v", err)
	}

	latest, err := s.LatestOccupancy(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 zones, got %d", len(latest))
	}
	if got := latest[0]; got != recs[1] {
		t.Errorf("latest ghat record mismatch:\n got %+v\nwant %+v", got, recs[1])
	}

	hist, err := s.OccupancyHistory(ctx, "ghat", t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Count != 600 {
		t.Errorf("expected newest first, got %+v", hist)
	}
}

func TestOccupancyProfile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, n := range []int{100, 200, 300} {
		rec := domain.OccupancyRecord{ZoneID: "ghat", Count: n, Capacity: 1000, Source: domain.SourceMeasured, Timestamp: t0.Add(time.Duration(i) * 10 * time.Minute)}
		if err := s.SaveOccupancy(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	_ = s.SaveOccupancy(ctx, domain.OccupancyRecord{ZoneID: "ghat", Count: 999, Source: domain.SourceEstimated, Timestamp: t0.Add(time.Second)})
	_ = s.SaveOccupancy(ctx, domain.OccupancyRecord{ZoneID: "ghat", Count: 10, Source: domain.SourceMeasured, Timestamp: t0.Add(-48 * time.Hour)})

	buckets, err := s.OccupancyProfile(ctx, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected one bucket, got %+v", buckets)
	}
	b := buckets[0]
	if b.ZoneID != "ghat" || b.Weekday != time.Friday || b.Hour != 6 || b.Mean != 200 || b.Samples != 3 {
		t.Errorf("unexpected bucket %+v", b)
	}
}

func TestEmergencyAndWeather(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := domain.Emergency{ID: uuid.New(), Type: domain.EmergencyFire, ZoneID: "c", Severity: domain.SeverityHigh}
	change := domain.StatusChange{EmergencyID: e.ID, From: domain.StatusReported, To: domain.StatusResponding, At: t0}
	if err := s.SaveEmergencyTransition(ctx, e, change); err != nil {
		t.Fatalf("save transition: %v", err)
	}
	if err := s.SaveEmergencyTransition(ctx, e, change); err != nil {
		t.Fatalf("duplicate transition should be ignored: %v", err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emergency_transitions`); err != nil || n != 1 {
		t.Errorf("expected 1 transition row, got %d (%v)", n, err)
	}

	w := domain.WeatherSnapshot{Temperature: 31, Conditions: domain.ConditionsRain, Timestamp: t0, CrowdImpact: 7}
	if err := s.SaveWeather(ctx, w); err != nil {
		t.Fatalf("save weather: %v", err)
	}
	if err := s.Health(ctx); err != nil {
		t.Errorf("health: %v", err)
	}
}
