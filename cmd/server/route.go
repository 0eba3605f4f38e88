package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartcity/crowdnav/internal/cost"
	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/occupancy"
	"github.com/smartcity/crowdnav/internal/service"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

type routeFlags struct {
	topology     string
	occupancy    string
	avoidCrowds  bool
	accessible   []string
	maxRisk      string
	alternatives int
	timeout      time.Duration
}

func routeCmd() *cobra.Command {
	var f routeFlags

	cmd := &cobra.Command{
		Use:   "route FROM TO",
		Short: "Compute routes offline against a topology file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.topology == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				f.topology = cfg.TopologyPath
			}
			return runRoute(args[0], args[1], f)
		},
	}

	cmd.Flags().StringVarP(&f.topology, "topology", "t", "", "venue topology file (default: TOPOLOGY_PATH)")
	cmd.Flags().StringVar(&f.occupancy, "occupancy", "", "JSON file with a readings batch to apply first")
	cmd.Flags().BoolVar(&f.avoidCrowds, "avoid-crowds", false, "penalize crowded zones")
	cmd.Flags().StringSliceVar(&f.accessible, "accessible", nil, "required accessibility flags (wheelchair, step_free, lit)")
	cmd.Flags().StringVar(&f.maxRisk, "max-risk", "", "exclude zones above this crowd level")
	cmd.Flags().IntVarP(&f.alternatives, "alternatives", "n", 1, "maximum number of routes")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 2*time.Second, "query deadline")
	return cmd
}

func runRoute(from, to string, f routeFlags) error {
	tf, err := zonegraph.LoadTopology(f.topology)
	if err != nil {
		return err
	}
	zones, segments, err := tf.Build()
	if err != nil {
		return err
	}
	nav, err := service.NewNavigationService(zones, segments, service.Options{
		Model:  cost.Default(),
		Policy: occupancy.DefaultPolicy(),
	})
	if err != nil {
		return err
	}
	defer nav.Shutdown(context.Background())

	ctx := context.Background()
	if f.occupancy != "" {
		raw, err := os.ReadFile(f.occupancy)
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.occupancy, err)
		}
		var batch service.CountBatch
		if err := json.Unmarshal(raw, &batch); err != nil {
			return fmt.Errorf("decoding %s: %w", f.occupancy, err)
		}
		for _, r := range nav.Ingest(ctx, batch.Readings) {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "skipped reading: %v\n", r.Err)
			}
		}
	}

	opts := domain.RouteOptions{
		AvoidCrowds:  f.avoidCrowds,
		Alternatives: f.alternatives,
		Deadline:     time.Now().Add(f.timeout),
	}
	if len(f.accessible) > 0 {
		if opts.AccessibilityRequired, err = domain.ParseAccessibility(f.accessible); err != nil {
			return err
		}
	}
	if f.maxRisk != "" {
		level, err := domain.ParseCrowdLevel(f.maxRisk)
		if err != nil {
			return err
		}
		opts.MaxSafetyRisk = &level
	}

	routes, err := nav.GetRoutes(ctx, from, to, opts)
	if err != nil {
		return err
	}
	for i, r := range routes {
		fmt.Printf("%d. %s  (%s, %.0f m, safety %.1f, cost %.1f)\n",
			i+1, strings.Join(r.ZoneIDs, " -> "), r.Duration.Round(time.Second), r.DistanceM, r.SafetyScore, r.Cost)
	}
	return nil
}
