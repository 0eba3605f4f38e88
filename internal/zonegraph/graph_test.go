package zonegraph

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
)

func testZones() []domain.Zone {
	return []domain.Zone{
		{ID: "temple", Name: "Main Temple", Category: domain.CategoryTemple, Capacity: 1000, Location: domain.Point{Lat: 23.1820, Lon: 75.7680}},
		{ID: "ghat", Name: "Ram Ghat", Category: domain.CategoryGhat, Capacity: 800, Location: domain.Point{Lat: 23.1830, Lon: 75.7700}},
		{ID: "parking", Name: "Parking A", Category: domain.CategoryParking, Capacity: 300, Location: domain.Point{Lat: 23.1750, Lon: 75.7800}},
		{ID: "medical", Name: "Field Hospital", Category: domain.CategoryMedical, Capacity: 100, Location: domain.Point{Lat: 23.1900, Lon: 75.7900}},
	}
}

func testSegments() []domain.Segment {
	return []domain.Segment{
		{ID: "s1", A: "temple", B: "ghat", BaseTravelTime: 60 * time.Second, LengthM: 80},
		{ID: "s2", A: "temple", B: "parking", BaseTravelTime: 120 * time.Second, LengthM: 170},
		{ID: "s3", A: "ghat", B: "medical", BaseTravelTime: 300 * time.Second, LengthM: 420},
		{ID: "s0", A: "temple", B: "ghat", BaseTravelTime: 90 * time.Second, LengthM: 110},
	}
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name     string
		zones    []domain.Zone
		segments []domain.Segment
	}{
		{"duplicate zone", append(testZones(), testZones()[0]), nil},
		{"zero capacity", []domain.Zone{{ID: "x", Capacity: 0}}, nil},
		{"bad latitude", []domain.Zone{{ID: "x", Capacity: 1, Location: domain.Point{Lat: 91}}}, nil},
		{"unknown endpoint", testZones(), []domain.Segment{{ID: "s", A: "temple", B: "nowhere"}}},
		{"self loop", testZones(), []domain.Segment{{ID: "s", A: "temple", B: "temple"}}},
		{"negative time", testZones(), []domain.Segment{{ID: "s", A: "temple", B: "ghat", BaseTravelTime: -time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.zones, tt.segments)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected InvalidInput, got %v", err)
			}
		})
	}
}

func TestNeighborsAreOrdered(t *testing.T) {
	g, err := New(testZones(), testSegments())
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}

	segs, err := g.Neighbors("temple")
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	var ids []string
	for _, s := range segs {
		ids = append(ids, s.ID)
	}
	// ghat (s0, s1) sorts before parking (s2); parallel edges by segment id.
	if got := strings.Join(ids, ","); got != "s0,s1,s2" {
		t.Errorf("expected s0,s1,s2, got %s", got)
	}

	if _, err := g.Neighbors("nowhere"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected NotFound for unknown zone, got %v", err)
	}
	if !g.Exists("medical") || g.Exists("nowhere") {
		t.Error("Exists returned wrong answer")
	}
}

func TestNearest(t *testing.T) {
	g, err := New(testZones(), testSegments())
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}

	got, err := g.Nearest(domain.Point{Lat: 23.1821, Lon: 75.7681}, 300)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 zones within 300m, got %d", len(got))
	}
	if got[0].ID != "temple" || got[1].ID != "ghat" {
		t.Errorf("expected temple then ghat, got %s then %s", got[0].ID, got[1].ID)
	}

	all, err := g.Nearest(domain.Point{Lat: 23.18, Lon: 75.77}, 1e7)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected every zone for a huge radius, got %d", len(all))
	}

	if _, err := g.Nearest(domain.Point{Lat: 23.18, Lon: 75.77}, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for zero radius, got %v", err)
	}
	if _, err := g.Nearest(domain.Point{Lat: 123, Lon: 75.77}, 10); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for bad coordinates, got %v", err)
	}
}

func TestRegistryReload(t *testing.T) {
	g, err := New(testZones(), testSegments())
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}
	reg := NewRegistry(g)
	if reg.Current().Version() != 1 {
		t.Fatalf("expected version 1, got %d", reg.Current().Version())
	}

	var hooked, publishedDuringPrepare uint64
	reg.BeforePublish(func(next, current *Graph) {
		publishedDuringPrepare = reg.Current().Version()
		if current != reg.Current() || next.Version() != current.Version()+1 {
			t.Errorf("prepare hook saw next %d against current %d", next.Version(), current.Version())
		}
	})
	reg.OnReload(func(g *Graph) { hooked = g.Version() })

	held, release := reg.Acquire()
	if held.InFlight() != 1 {
		t.Fatalf("expected 1 query in flight, got %d", held.InFlight())
	}

	zones := testZones()[:2]
	segs := testSegments()[:1]
	v, old, err := reg.Reload(zones, segs)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v != 2 || hooked != 2 {
		t.Errorf("expected version 2 and hook at 2, got %d and %d", v, hooked)
	}
	if publishedDuringPrepare != 1 {
		t.Errorf("prepare hook must run before the swap, saw version %d published", publishedDuringPrepare)
	}
	if old != held {
		t.Error("expected reload to return the retired graph")
	}

	// The held graph is untouched by the reload.
	if !held.Exists("medical") {
		t.Error("in-flight graph lost a zone after reload")
	}
	if reg.Current().Exists("medical") {
		t.Error("new graph should not contain medical")
	}

	release()
	release()
	if held.InFlight() != 0 {
		t.Errorf("expected 0 in flight after release, got %d", held.InFlight())
	}

	if _, _, err := reg.Reload([]domain.Zone{{ID: "bad"}}, nil); err == nil {
		t.Error("expected invalid reload to fail")
	}
	if reg.Current().Version() != 2 {
		t.Errorf("failed reload must not publish, version now %d", reg.Current().Version())
	}
}
