package evacuation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/occupancy"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

func z(id string, cat domain.Category, lat float64) domain.Zone {
	return domain.Zone{ID: id, Name: id, Category: cat, Capacity: 100, Location: domain.Point{Lat: lat, Lon: 75.77}, Safety: 0.5}
}

func s(id, a, b string, seconds int) domain.Segment {
	return domain.Segment{ID: id, A: a, B: b, BaseTravelTime: time.Duration(seconds) * time.Second, LengthM: float64(seconds)}
}

// Hazard c sits in the middle. d hangs off c alone; a reaches the medical
// post m directly or through b; parking p lies south of c.
func venue(t *testing.T) *zonegraph.Graph {
	t.Helper()
	g, err := zonegraph.New(
		[]domain.Zone{
			z("c", domain.CategoryTemple, 23.1800),
			z("a", domain.CategoryGhat, 23.1805),
			z("d", domain.CategoryOther, 23.1795),
			z("b", domain.CategoryOther, 23.1810),
			z("m", domain.CategoryMedical, 23.1830),
			z("p", domain.CategoryParking, 23.1770),
			z("far", domain.CategoryOther, 23.2000),
		},
		[]domain.Segment{
			s("ca", "c", "a", 30),
			s("cd", "c", "d", 30),
			s("am", "a", "m", 120),
			s("ab", "a", "b", 20),
			s("bm", "b", "m", 60),
			s("cp", "c", "p", 100),
			s("mfar", "m", "far", 300),
		},
	)
	if err != nil {
		t.Fatalf("building venue: %v", err)
	}
	return g
}

func TestPlanAvoidsHazardAndReportsIsolation(t *testing.T) {
	g := venue(t)
	store := occupancy.NewStore(g.Zones(), occupancy.DefaultPolicy())
	plan, err := NewPlanner().Plan(context.Background(), g, store.Snapshot(), "c", domain.SeverityHigh, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if got := strings.Join(plan.SafeZones, ","); got != "m,p" {
		t.Errorf("expected default safe zones m,p, got %s", got)
	}
	if _, ok := plan.Routes["far"]; ok {
		t.Error("zone outside the radius should not be planned")
	}
	if _, ok := plan.Routes["c"]; ok {
		t.Error("hazard zone itself should not be planned")
	}
	for id, r := range plan.Routes {
		for _, zid := range r.ZoneIDs {
			if zid == "c" {
				t.Errorf("route for %s passes through the hazard: %v", id, r.ZoneIDs)
			}
		}
	}

	if got := strings.Join(plan.Routes["a"].ZoneIDs, ","); got != "a,b,m" {
		t.Errorf("expected a,b,m, got %s", got)
	}
	if plan.Routes["a"].Duration != 80*time.Second || plan.Routes["a"].SafeZone != "m" {
		t.Errorf("unexpected route for a: %+v", plan.Routes["a"])
	}
	if r := plan.Routes["p"]; len(r.ZoneIDs) != 1 || r.SafeZone != "p" {
		t.Errorf("safe zone should route to itself, got %+v", r)
	}

	if len(plan.Isolated) != 1 || plan.Isolated[0] != "d" {
		t.Fatalf("expected d isolated, got %v", plan.Isolated)
	}
	if _, err := plan.RouteFor("d"); !errors.Is(err, domain.ErrIsolated) {
		t.Errorf("expected Isolated for d, got %v", err)
	}
	if _, err := plan.RouteFor("far"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected NotFound for unplanned zone, got %v", err)
	}
}

func TestCriticalZonesAreNotTraversed(t *testing.T) {
	g := venue(t)
	store := occupancy.NewStore(g.Zones(), occupancy.DefaultPolicy())
	if _, err := store.ApplyUpdate(domain.OccupancyUpdate{ZoneID: "b", Count: 120, Timestamp: time.Now()}); err != nil {
		t.Fatalf("update: %v", err)
	}

	plan, err := NewPlanner().Plan(context.Background(), g, store.Snapshot(), "c", domain.SeverityHigh, []string{"m"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if got := strings.Join(plan.Excluded, ","); got != "b,c" {
		t.Errorf("expected b,c excluded, got %s", got)
	}
	if got := strings.Join(plan.Routes["a"].ZoneIDs, ","); got != "a,m" {
		t.Errorf("expected a to bypass critical b, got %s", got)
	}
	// People already inside b still get out.
	if got := strings.Join(plan.Routes["b"].ZoneIDs, ","); got != "b,m" {
		t.Errorf("expected b,m, got %s", got)
	}
	if len(plan.SafeZones) != 1 {
		t.Errorf("expected only the named safe zone, got %v", plan.SafeZones)
	}
	// p is not a target when safe zones are named, and only reaches m via c.
	if len(plan.Isolated) != 2 {
		t.Errorf("expected d and p isolated, got %v", plan.Isolated)
	}
}

func TestTiesPreferSaferNextHop(t *testing.T) {
	build := func(safety1, safety2 float64) *zonegraph.Graph {
		zones := []domain.Zone{
			z("h", domain.CategoryOther, 23.1800),
			z("e", domain.CategoryOther, 23.1801),
			z("s1", domain.CategoryCamp, 23.1802),
			z("s2", domain.CategoryCamp, 23.1803),
		}
		zones[2].Safety = safety1
		zones[3].Safety = safety2
		g, err := zonegraph.New(zones, []domain.Segment{s("he", "h", "e", 5), s("e1", "e", "s1", 10), s("e2", "e", "s2", 10)})
		if err != nil {
			t.Fatalf("graph: %v", err)
		}
		return g
	}

	for _, tt := range []struct {
		s1, s2 float64
		want   string
	}{
		{0.9, 0.3, "s1"},
		{0.3, 0.9, "s2"},
		{0.5, 0.5, "s1"},
	} {
		g := build(tt.s1, tt.s2)
		snap := occupancy.NewStore(g.Zones(), occupancy.DefaultPolicy()).Snapshot()
		plan, err := NewPlanner().Plan(context.Background(), g, snap, "h", domain.SeverityLow, nil)
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if got := plan.Routes["e"].SafeZone; got != tt.want {
			t.Errorf("safety %.1f/%.1f: expected %s, got %s", tt.s1, tt.s2, tt.want, got)
		}
	}
}

func TestPlanErrors(t *testing.T) {
	g := venue(t)
	snap := occupancy.NewStore(g.Zones(), occupancy.DefaultPolicy()).Snapshot()
	p := NewPlanner()
	ctx := context.Background()

	if _, err := p.Plan(ctx, g, snap, "nowhere", domain.SeverityLow, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected NotFound for unknown hazard, got %v", err)
	}
	if _, err := p.Plan(ctx, g, snap, "c", domain.Severity(9), nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for bad severity, got %v", err)
	}
	if _, err := p.Plan(ctx, g, snap, "c", domain.SeverityLow, []string{"ghost"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected NotFound for unknown safe zone, got %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := p.Plan(cancelled, g, snap, "c", domain.SeverityLow, nil); !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("expected Timeout for cancelled context, got %v", err)
	}
}
