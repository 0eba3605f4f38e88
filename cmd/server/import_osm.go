package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smartcity/crowdnav/internal/feeds/osm"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

func importOSMCmd() *cobra.Command {
	var (
		bbox  string
		venue string
		out   string
	)

	cmd := &cobra.Command{
		Use:   "import-osm",
		Short: "Build a venue topology from OpenStreetMap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			box := osm.UjjainBBox
			if bbox != "" {
				if box, err = osm.ParseBBox(bbox); err != nil {
					return err
				}
			}
			return runImportOSM(cfg.OSM, venue, box, out)
		},
	}

	cmd.Flags().StringVar(&bbox, "bbox", "", "south,west,north,east (default: Ujjain core area)")
	cmd.Flags().StringVar(&venue, "venue", "ujjain", "venue name written to the topology")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output TOML file (default: stdout)")
	return cmd
}

func runImportOSM(cfg osm.Config, venue string, box osm.BBox, out string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tf, err := osm.NewImporter(cfg).Import(ctx, venue, box)
	if err != nil {
		return err
	}

	// Refuse to write a topology the server would reject.
	zones, segments, err := tf.Build()
	if err != nil {
		return err
	}
	if _, err := zonegraph.New(zones, segments); err != nil {
		return err
	}

	if out == "" {
		return zonegraph.EncodeTopology(os.Stdout, tf)
	}
	if err := zonegraph.WriteTopologyFile(out, tf); err != nil {
		return err
	}
	log.Printf("Wrote %d zones and %d segments to %s", len(tf.Zones), len(tf.Segments), out)
	return nil
}
