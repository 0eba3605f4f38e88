package zonegraph

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
)

const sampleTopology = `
venue = "Simhastha"

[[zones]]
id = "mahakal"
name = "Mahakaleshwar Temple"
category = "temple"
capacity = 5000
lat = 23.1828
lon = 75.7681
access = ["wheelchair", "lit"]
safety = 0.4

[[zones]]
id = "ramghat"
name = "Ram Ghat"
category = "ghat"
capacity = 3000
lat = 23.1840
lon = 75.7640

[[segments]]
id = "mahakal-ramghat"
a = "mahakal"
b = "ramghat"
length_m = 420
width_m = 6
access = ["wheelchair"]
`

func TestDecodeTopology(t *testing.T) {
	tf, err := DecodeTopology(strings.NewReader(sampleTopology))
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if tf.Venue != "Simhastha" || len(tf.Zones) != 2 || len(tf.Segments) != 1 {
		t.Fatalf("unexpected decode result: %+v", tf)
	}

	zones, segs, err := tf.Build()
	if err != nil {
		t.Fatalf("building: %v", err)
	}
	if zones[0].Category != domain.CategoryTemple {
		t.Errorf("expected temple, got %s", zones[0].Category)
	}
	if !zones[0].Access.Has(domain.AccessWheelchair | domain.AccessLit) {
		t.Error("expected wheelchair and lit access flags")
	}
	if zones[0].Safety != 0.4 || zones[1].Safety != defaultSafety {
		t.Errorf("unexpected safety values %v, %v", zones[0].Safety, zones[1].Safety)
	}
	// 420m at walking speed is 300s.
	if segs[0].BaseTravelTime != 300*time.Second {
		t.Errorf("expected derived travel time 300s, got %v", segs[0].BaseTravelTime)
	}

	if _, err := New(zones, segs); err != nil {
		t.Fatalf("graph from topology: %v", err)
	}
}

func TestBuildDerivesLengthFromCenters(t *testing.T) {
	tf := &TopologyFile{
		Zones: []ZoneDef{
			{ID: "a", Category: "camp", Capacity: 10, Lat: 23.0, Lon: 75.0},
			{ID: "b", Category: "camp", Capacity: 10, Lat: 23.001, Lon: 75.0},
		},
		Segments: []SegmentDef{{ID: "ab", A: "a", B: "b"}},
	}
	_, segs, err := tf.Build()
	if err != nil {
		t.Fatalf("building: %v", err)
	}
	if segs[0].LengthM < 100 || segs[0].LengthM > 120 {
		t.Errorf("expected ~111m, got %.1f", segs[0].LengthM)
	}
	if segs[0].BaseTravelTime <= 0 {
		t.Error("expected derived travel time")
	}
}

func TestBuildRejectsUnknownCategory(t *testing.T) {
	tf := &TopologyFile{Zones: []ZoneDef{{ID: "a", Category: "stadium", Capacity: 10}}}
	if _, _, err := tf.Build(); err == nil {
		t.Fatal("expected unknown category to fail")
	}
}

func TestTopologyRoundTripThroughFile(t *testing.T) {
	tf, err := DecodeTopology(strings.NewReader(sampleTopology))
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	zones, segs, err := tf.Build()
	if err != nil {
		t.Fatalf("building: %v", err)
	}
	g, err := New(zones, segs)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	path := filepath.Join(t.TempDir(), "venue.toml")
	if err := WriteTopologyFile(path, FromGraph("Simhastha", g)); err != nil {
		t.Fatalf("writing: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if !bytes.Contains(raw, []byte("mahakal-ramghat")) {
		t.Error("written file is missing the segment")
	}

	loaded, err := LoadTopology(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	z2, s2, err := loaded.Build()
	if err != nil {
		t.Fatalf("rebuilding: %v", err)
	}
	if len(z2) != 2 || len(s2) != 1 || s2[0].BaseTravelTime != segs[0].BaseTravelTime {
		t.Errorf("file round trip changed topology: %d zones, %d segments", len(z2), len(s2))
	}
}
