package osm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

func TestParseBBox(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"23.15,75.74,23.22,75.81", false},
		{" 23.15, 75.74 ,23.22,75.81", false},
		{"23.15,75.74,23.22", true},
		{"23.22,75.74,23.15,75.81", true},
		{"a,b,c,d", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			b, err := ParseBBox(tt.in)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidInput) {
					t.Errorf("expected InvalidInput, got %v", err)
				}
				return
			}
			if err != nil || b.South != 23.15 || b.East != 75.81 {
				t.Errorf("got %+v, %v", b, err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
		cat  domain.Category
		cap  int
		ok   bool
	}{
		{"temple", map[string]string{"amenity": "place_of_worship", "name": "Mahakaleshwar"}, domain.CategoryTemple, 1000, true},
		{"ghat by name", map[string]string{"amenity": "place_of_worship", "name": "Ram Ghat"}, domain.CategoryGhat, 2000, true},
		{"hospital", map[string]string{"amenity": "hospital"}, domain.CategoryMedical, 200, true},
		{"parking", map[string]string{"amenity": "parking"}, domain.CategoryParking, 50, true},
		{"camp", map[string]string{"tourism": "camp_site"}, domain.CategoryCamp, 1500, true},
		{"shop", map[string]string{"shop": "bakery"}, "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, cap, ok := classify(tt.tags)
			if cat != tt.cat || cap != tt.cap || ok != tt.ok {
				t.Errorf("classify = %s, %d, %v", cat, cap, ok)
			}
		})
	}
}

func TestBuildLinksEveryZone(t *testing.T) {
	elements := []Element{
		{ID: "a", Lat: 23.1800, Lon: 75.77, Tags: map[string]string{"amenity": "place_of_worship", "name": "A", "wheelchair": "yes"}},
		{ID: "b", Lat: 23.1810, Lon: 75.77, Tags: map[string]string{"amenity": "parking", "wheelchair": "yes", "capacity": "120"}},
		{ID: "c", Lat: 23.1820, Lon: 75.77, Tags: map[string]string{"amenity": "hospital"}},
		// Far outside the link radius.
		{ID: "d", Lat: 23.2200, Lon: 75.77, Tags: map[string]string{"tourism": "camp_site"}},
		{ID: "x", Lat: 23.1805, Lon: 75.77, Tags: map[string]string{"shop": "bakery"}},
	}
	tf := Build("test", elements, 400, 2)

	if len(tf.Zones) != 4 {
		t.Fatalf("expected 4 zones, got %d", len(tf.Zones))
	}
	if tf.Zones[1].Capacity != 120 {
		t.Errorf("capacity tag should win, got %d", tf.Zones[1].Capacity)
	}
	if tf.Zones[2].Name != "medical c" {
		t.Errorf("unexpected fallback name %q", tf.Zones[2].Name)
	}

	zones, segments, err := tf.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	g, err := zonegraph.New(zones, segments)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	for _, z := range zones {
		if n, err := g.Neighbors(z.ID); err != nil || len(n) == 0 {
			t.Errorf("zone %s is not linked", z.ID)
		}
	}

	for _, s := range tf.Segments {
		if s.ID == "a--b" && len(s.Access) != 2 {
			t.Errorf("a--b should keep shared wheelchair access, got %v", s.Access)
		}
		if s.ID == "b--c" && len(s.Access) != 0 {
			t.Errorf("b--c should have no shared access, got %v", s.Access)
		}
	}
}

const overpassBody = `{
	"version": 0.6,
	"elements": [
		{"type": "node", "id": 1, "lat": 23.1827, "lon": 75.7682, "tags": {"amenity": "place_of_worship", "name": "Mahakaleshwar"}},
		{"type": "node", "id": 2, "lat": 23.1800, "lon": 75.7660},
		{"type": "node", "id": 3, "lat": 23.1800, "lon": 75.7670},
		{"type": "node", "id": 4, "lat": 23.1810, "lon": 75.7670},
		{"type": "way", "id": 10, "nodes": [2, 3, 4, 2], "tags": {"amenity": "parking", "name": "Parking Lot 4"}}
	]
}`

func TestImport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, overpassBody)
	}))
	defer srv.Close()

	imp := NewImporter(Config{Endpoint: srv.URL, Timeout: 5 * time.Second})
	tf, err := imp.Import(context.Background(), "ujjain", UjjainBBox)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(tf.Zones) != 2 || len(tf.Segments) != 1 {
		t.Fatalf("expected 2 zones and 1 segment, got %+v", tf)
	}
	park := tf.Zones[1]
	if park.ID != "osm-w10" || park.Category != "parking" {
		t.Fatalf("unexpected way zone %+v", park)
	}
	// ~111 m x ~102 m of open ground beats the default capacity.
	if park.Capacity <= 50 {
		t.Errorf("expected area-derived capacity, got %d", park.Capacity)
	}
}
