package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/smartcity/crowdnav/internal/repository/memory"
	"github.com/smartcity/crowdnav/internal/repository/sqlite"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

const sampleVenue = "../../configs/venue.toml"

func TestSampleVenueIsValid(t *testing.T) {
	tf, err := zonegraph.LoadTopology(sampleVenue)
	if err != nil {
		t.Fatalf("load: %v", err)
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
			t.Errorf("zone %s has no segments", z.ID)
		}
	}
}

func TestRunRoute(t *testing.T) {
	occ := filepath.Join(t.TempDir(), "occupancy.json")
	body := `{"readings":[{"zone_id":"mahakal-lok","count":7900,"timestamp":"2026-04-10T06:00:00Z"}]}`
	if err := os.WriteFile(occ, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		from    string
		to      string
		flags   routeFlags
		wantErr bool
	}{
		{"plain", "mahakal", "ram-ghat", routeFlags{alternatives: 2}, false},
		{"crowd aware", "mahakal", "pilgrim-camp", routeFlags{occupancy: occ, avoidCrowds: true, alternatives: 1}, false},
		{"unknown zone", "mahakal", "nowhere", routeFlags{alternatives: 1}, true},
		{"bad risk", "mahakal", "ram-ghat", routeFlags{maxRisk: "extreme", alternatives: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.flags.topology = sampleVenue
			err := runRoute(tt.from, tt.to, tt.flags)
			if (err != nil) != tt.wantErr {
				t.Errorf("runRoute error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenHistory(t *testing.T) {
	ctx := context.Background()

	repo, closeRepo, err := openHistory(ctx, &Config{})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	closeRepo()
	if _, ok := repo.(*memory.Repository); !ok {
		t.Errorf("expected memory fallback, got %T", repo)
	}

	repo, closeRepo, err = openHistory(ctx, &Config{SQLitePath: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer closeRepo()
	if _, ok := repo.(*sqlite.Store); !ok {
		t.Errorf("expected sqlite store, got %T", repo)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.TopologyPath != "configs/venue.toml" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Stream.Addr != ":8081" || cfg.Broadcast.MissedIntervals != 2 || cfg.OSM.LinkRadiusM != 400 {
		t.Errorf("nested defaults not applied: %+v", cfg)
	}
}
