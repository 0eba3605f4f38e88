package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/smartcity/crowdnav/internal/broadcast"
	"github.com/smartcity/crowdnav/internal/cost"
	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/occupancy"
	"github.com/smartcity/crowdnav/internal/repository/memory"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

var t0 = time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)

func safety(v float64) *float64 { return &v }

// gate -- ghat -- temple, with a medical post off the gate.
func venueFile() *zonegraph.TopologyFile {
	return &zonegraph.TopologyFile{
		Venue: "test",
		Zones: []zonegraph.ZoneDef{
			{ID: "gate", Name: "Main Gate", Category: "other", Capacity: 1000, Lat: 23.1800, Lon: 75.77, Access: []string{"wheelchair"}},
			{ID: "ghat", Name: "Ram Ghat", Category: "ghat", Capacity: 1000, Lat: 23.1810, Lon: 75.77, Access: []string{"wheelchair"}},
			{ID: "temple", Name: "Mahakal", Category: "temple", Capacity: 500, Lat: 23.1820, Lon: 75.77, Access: []string{"wheelchair"}},
			{ID: "medical", Name: "First Aid", Category: "medical", Capacity: 50, Lat: 23.1795, Lon: 75.77, Safety: safety(0.9)},
		},
		Segments: []zonegraph.SegmentDef{
			{ID: "gate-ghat", A: "gate", B: "ghat", TravelSeconds: 60, Access: []string{"wheelchair"}},
			{ID: "ghat-temple", A: "ghat", B: "temple", TravelSeconds: 60, Access: []string{"wheelchair"}},
			{ID: "gate-medical", A: "gate", B: "medical", TravelSeconds: 30},
		},
	}
}

func venueFileWithout(id string) *zonegraph.TopologyFile {
	tf := venueFile()
	tf.Zones = slices.DeleteFunc(tf.Zones, func(z zonegraph.ZoneDef) bool { return z.ID == id })
	tf.Segments = slices.DeleteFunc(tf.Segments, func(sd zonegraph.SegmentDef) bool { return sd.A == id || sd.B == id })
	return tf
}

func newService(t *testing.T) (*NavigationService, *memory.Repository) {
	t.Helper()
	zones, segments, err := venueFile().Build()
	if err != nil {
		t.Fatalf("building venue: %v", err)
	}
	repo := memory.NewRepository(0)
	s, err := NewNavigationService(zones, segments, Options{
		Model:     cost.Default(),
		Broadcast: broadcast.Config{FlushInterval: time.Hour, ResyncInterval: time.Hour, MissedIntervals: 2},
		Policy:    occupancy.DefaultPolicy(),
		History:   repo,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	s.now = func() time.Time { return t0 }
	return s, repo
}

func TestIngestAndCrowdStatus(t *testing.T) {
	s, _ := newService(t)
	defer s.Shutdown(context.Background())
	ctx := context.Background()

	results := s.Ingest(ctx, []domain.OccupancyUpdate{
		{ZoneID: "ghat", Count: 850, Timestamp: t0},
		{ZoneID: "ghat", Count: 100, Timestamp: t0},
		{ZoneID: "nowhere", Count: 1, Timestamp: t0},
	})
	if results[0].Err != nil {
		t.Fatalf("first reading rejected: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, domain.ErrStaleData) || results[1].Record.Count != 850 {
		t.Errorf("expected StaleData with the stored record, got %+v", results[1])
	}
	if !errors.Is(results[2].Err, domain.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", results[2].Err)
	}

	st, err := s.GetCrowdStatus("ghat")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Level != domain.LevelHigh || st.Name != "Ram Ghat" || st.WaitTime != 20*time.Minute {
		t.Errorf("unexpected status %+v", st)
	}
	if _, err := s.GetCrowdStatus("temple"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("zone without readings should be NotFound, got %v", err)
	}

	sum := s.GetCrowdSummary()
	if sum.TotalCount != 850 || len(sum.Zones) != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestGetRoutes(t *testing.T) {
	s, _ := newService(t)
	defer s.Shutdown(context.Background())
	ctx := context.Background()

	routes, err := s.GetRoutes(ctx, "gate", "temple", domain.RouteOptions{AvoidCrowds: true, Alternatives: 1})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(routes) != 1 || routes[0].Hops() != 2 || routes[0].GraphVersion != 1 {
		t.Fatalf("unexpected routes %+v", routes)
	}

	if _, err := s.GetRoutes(ctx, "gate", "nowhere", domain.RouteOptions{Alternatives: 1}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	_, err = s.GetRoutes(ctx, "gate", "temple", domain.RouteOptions{Alternatives: 1, Deadline: time.Now().Add(-time.Second)})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("expected Timeout for an expired deadline, got %v", err)
	}
	_, err = s.GetRoutes(ctx, "gate", "temple", domain.RouteOptions{Alternatives: 1, AccessibilityRequired: domain.AccessStepFree})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected NotFound when no segment satisfies accessibility, got %v", err)
	}
}

func TestEmergencyFlow(t *testing.T) {
	s, repo := newService(t)
	ctx := context.Background()

	e, plan, err := s.ReportEmergency(ctx, domain.EmergencyReport{
		Type: domain.EmergencyStampede, ZoneID: "ghat", Severity: domain.SeverityHigh, ReportedAt: t0,
	}, nil)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if plan.EmergencyID != e.ID || plan.HazardZone != "ghat" {
		t.Fatalf("plan not tied to the incident: %+v", plan)
	}
	for id, r := range plan.Routes {
		for _, z := range r.ZoneIDs {
			if z == "ghat" {
				t.Errorf("route for %s crosses the hazard", id)
			}
		}
	}
	if _, err := plan.RouteFor("temple"); !errors.Is(err, domain.ErrIsolated) {
		t.Errorf("temple hangs off the hazard and should be isolated, got %v", err)
	}
	if r, err := plan.RouteFor("gate"); err != nil || r.SafeZone != "medical" {
		t.Errorf("expected gate to evacuate to medical, got %+v, %v", r, err)
	}

	if _, err := s.UpdateEmergencyStatus(e.ID, domain.StatusResolved, t0.Add(time.Hour)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := s.UpdateEmergencyStatus(e.ID, domain.StatusReported, t0.Add(2*time.Hour)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected InvalidInput going backwards, got %v", err)
	}
	if got, err := s.EvacuationPlan(ctx, e.ID); err != nil || got.EmergencyID != e.ID {
		t.Errorf("expected the stored plan for a resolved incident, got %+v, %v", got, err)
	}

	sub := s.Subscribe([]domain.Topic{domain.TopicEmergency})
	select {
	case m := <-sub.C():
		if m.Kind != broadcast.KindResync || len(m.Snapshot) != 1 {
			t.Errorf("expected a resync with the incident, got %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stream message")
	}

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := len(repo.Transitions()); n != 2 {
		t.Errorf("expected 2 persisted transitions, got %d", n)
	}
}

func TestEvacuationPlanRecomputesRequestedSafeZones(t *testing.T) {
	s, _ := newService(t)
	defer s.Shutdown(context.Background())
	ctx := context.Background()

	s.Ingest(ctx, []domain.OccupancyUpdate{{ZoneID: "temple", Count: 500, Timestamp: t0}})
	e, plan, err := s.ReportEmergency(ctx, domain.EmergencyReport{
		Type: domain.EmergencyMedical, ZoneID: "gate", Severity: domain.SeverityHigh, ReportedAt: t0,
	}, []string{"medical", "temple"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if got := strings.Join(plan.SafeZones, ","); got != "medical" {
		t.Fatalf("critical temple should not be a target at report time, got %s", got)
	}

	// Once the temple calms down it is a target again.
	s.Ingest(ctx, []domain.OccupancyUpdate{{ZoneID: "temple", Count: 50, Timestamp: t0.Add(time.Minute)}})
	plan, err = s.EvacuationPlan(ctx, e.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if got := strings.Join(plan.SafeZones, ","); got != "medical,temple" {
		t.Errorf("expected both requested safe zones, got %s", got)
	}
	if r, err := plan.RouteFor("ghat"); err != nil || r.SafeZone != "temple" {
		t.Errorf("expected ghat to evacuate to the temple, got %+v, %v", r, err)
	}
}

func TestSetWeather(t *testing.T) {
	s, repo := newService(t)

	w, err := s.SetWeather(domain.WeatherSnapshot{Temperature: 25, Visibility: 10, Description: "thunderstorm with rain", Timestamp: t0})
	if err != nil {
		t.Fatalf("set weather: %v", err)
	}
	if w.Conditions != domain.ConditionsStorm || w.CrowdImpact != 9 {
		t.Errorf("expected storm with impact 9, got %+v", w)
	}
	if _, err := s.SetWeather(domain.WeatherSnapshot{Conditions: domain.ConditionsClear, Timestamp: t0}); !errors.Is(err, domain.ErrStaleData) {
		t.Errorf("expected StaleData, got %v", err)
	}
	if _, err := s.SetWeather(domain.WeatherSnapshot{Conditions: "hail", Timestamp: t0.Add(time.Minute)}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
	if s.Weather().Conditions != domain.ConditionsStorm {
		t.Errorf("rejected readings must not replace the current weather")
	}

	_ = s.Shutdown(context.Background())
	if n := len(repo.Weather()); n != 1 {
		t.Errorf("expected 1 persisted weather snapshot, got %d", n)
	}
}

func TestReloadTopology(t *testing.T) {
	s, _ := newService(t)
	defer s.Shutdown(context.Background())

	tf := venueFile()
	tf.Zones = append(tf.Zones, zonegraph.ZoneDef{ID: "camp", Category: "camp", Capacity: 300, Lat: 23.1790, Lon: 75.77})
	tf.Segments = append(tf.Segments, zonegraph.SegmentDef{ID: "medical-camp", A: "medical", B: "camp", TravelSeconds: 45})

	// Runs after the service's own hook, while version 1 is still published.
	var tracked, published bool
	s.graphs.BeforePublish(func(next, _ *zonegraph.Graph) {
		if next.Version() != 2 {
			return
		}
		tracked = s.store.Snapshot().Known("camp")
		published = s.graphs.Current().Exists("camp")
	})

	version, err := s.ReloadTopology(tf)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if version != 2 || s.GraphVersion() != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	if r := s.Ingest(context.Background(), []domain.OccupancyUpdate{{ZoneID: "camp", Count: 10, Timestamp: t0}}); r[0].Err != nil {
		t.Errorf("new zone should accept readings: %v", r[0].Err)
	}
	if !tracked || published {
		t.Errorf("store must track camp before the graph publishes it: tracked=%v published=%v", tracked, published)
	}

	// Dropping a zone prunes its record once the new graph is live.
	s.Ingest(context.Background(), []domain.OccupancyUpdate{{ZoneID: "medical", Count: 5, Timestamp: t0}})
	if _, err := s.ReloadTopology(venueFileWithout("medical")); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.store.Snapshot().Known("medical") {
		t.Error("removed zone is still tracked")
	}

	bad := venueFile()
	bad.Segments = append(bad.Segments, zonegraph.SegmentDef{ID: "dangling", A: "gate", B: "nowhere", TravelSeconds: 10})
	if _, err := s.ReloadTopology(bad); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for a dangling segment, got %v", err)
	}
	if s.GraphVersion() != 3 {
		t.Error("a rejected topology must not be published")
	}
}

func TestShutdownPersistsSnapshotAndRestore(t *testing.T) {
	s, repo := newService(t)
	ctx := context.Background()
	s.Ingest(ctx, []domain.OccupancyUpdate{
		{ZoneID: "gate", Count: 10, Timestamp: t0},
		{ZoneID: "temple", Count: 400, Timestamp: t0},
	})
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	latest, _ := repo.LatestOccupancy(ctx)
	if len(latest) != 2 {
		t.Fatalf("expected 2 persisted zones, got %d", len(latest))
	}

	zones, segments, _ := venueFile().Build()
	restored, err := NewNavigationService(zones, segments, Options{Model: cost.Default(), Policy: occupancy.DefaultPolicy(), History: repo})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer restored.Shutdown(ctx)
	if n, err := restored.Restore(ctx); err != nil || n != 2 {
		t.Errorf("expected 2 restored zones, got %d (%v)", n, err)
	}
	if st, err := restored.GetCrowdStatus("temple"); err != nil || st.Count != 400 {
		t.Errorf("unexpected restored status %+v, %v", st, err)
	}
}
