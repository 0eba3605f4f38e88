package main

import (
	"fmt"
	"log"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/smartcity/crowdnav/internal/broadcast"
	"github.com/smartcity/crowdnav/internal/delivery/stream"
	"github.com/smartcity/crowdnav/internal/feeds/osm"
	"github.com/smartcity/crowdnav/internal/service"
	"github.com/smartcity/crowdnav/internal/simulation"
	"github.com/smartcity/crowdnav/internal/telemetry"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	rootCmd := &cobra.Command{
		Use:           "crowdnav",
		Short:         "Occupancy-aware venue navigation and evacuation planning",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importOSMCmd())
	rootCmd.AddCommand(routeCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

// Config is the process configuration, read from the environment
type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	Env           string `env:"GO_ENV" envDefault:"development"`
	DatabaseURL   string `env:"DATABASE_URL"`
	SQLitePath    string `env:"SQLITE_PATH"`
	TopologyPath  string `env:"TOPOLOGY_PATH" envDefault:"configs/venue.toml"`
	Venue         string `env:"VENUE_NAME" envDefault:"ujjain"`
	HistoryBuffer int    `env:"HISTORY_BUFFER" envDefault:"1024"`

	Broadcast  broadcast.Config
	Simulation simulation.Config
	Weather    service.WeatherConfig
	CountFeed  service.CountFeedConfig
	Stream     stream.Config
	Telemetry  telemetry.Config
	OSM        osm.Config
}

func loadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}
