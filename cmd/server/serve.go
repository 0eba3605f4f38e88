package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smartcity/crowdnav/internal/cost"
	"github.com/smartcity/crowdnav/internal/delivery/http"
	"github.com/smartcity/crowdnav/internal/delivery/stream"
	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/occupancy"
	"github.com/smartcity/crowdnav/internal/repository/memory"
	"github.com/smartcity/crowdnav/internal/repository/postgres"
	"github.com/smartcity/crowdnav/internal/repository/sqlite"
	"github.com/smartcity/crowdnav/internal/service"
	"github.com/smartcity/crowdnav/internal/simulation"
	"github.com/smartcity/crowdnav/internal/telemetry"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

func serveCmd() *cobra.Command {
	var topology string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the diff stream and the feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if topology != "" {
				cfg.TopologyPath = topology
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVarP(&topology, "topology", "t", "", "venue topology file (overrides TOPOLOGY_PATH)")
	return cmd
}

// openHistory picks the history store: Postgres when configured and
// reachable, then SQLite, then memory.
func openHistory(ctx context.Context, cfg *Config) (domain.HistoryRepository, func(), error) {
	if cfg.DatabaseURL != "" {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pool, err := pgxpool.New(pctx, cfg.DatabaseURL)
		if err == nil {
			err = pool.Ping(pctx)
			if err != nil {
				pool.Close()
			}
		}
		if err != nil {
			log.Printf("Warning: Could not connect to database: %v", err)
		} else {
			repo := postgres.NewPostgresRepository(pool)
			if err := repo.Migrate(pctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
			log.Println("Connected to PostgreSQL")
			return repo, pool.Close, nil
		}
	}

	if cfg.SQLitePath != "" {
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Using SQLite history at %s", cfg.SQLitePath)
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("sqlite: close: %v", err)
			}
		}, nil
	}

	log.Println("No database configured, keeping history in memory")
	return memory.NewRepository(0), func() {}, nil
}

func runServe(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "crowdnav")
	if err != nil {
		log.Printf("Warning: tracing disabled: %v", err)
	}

	repo, closeRepo, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	tf, err := zonegraph.LoadTopology(cfg.TopologyPath)
	if err != nil {
		return err
	}
	zones, segments, err := tf.Build()
	if err != nil {
		return fmt.Errorf("topology %s: %w", cfg.TopologyPath, err)
	}
	if tf.Venue != "" {
		cfg.Venue = tf.Venue
	}

	// Dependency Injection: Services
	nav, err := service.NewNavigationService(zones, segments, service.Options{
		Model:         cost.Default(),
		Broadcast:     cfg.Broadcast,
		Policy:        occupancy.DefaultPolicy(),
		History:       repo,
		HistoryBuffer: cfg.HistoryBuffer,
	})
	if err != nil {
		return err
	}
	if _, err := nav.Restore(ctx); err != nil {
		log.Printf("Warning: %v", err)
	}
	log.Printf("Loaded venue %q: %d zones, %d segments", cfg.Venue, len(zones), len(segments))

	dashboardSvc := service.NewDashboardService(nav)
	weatherSvc := service.NewWeatherService(cfg.Weather)
	countFeed := service.NewCountFeed(cfg.CountFeed)
	driver := simulation.NewDriver(cfg.Simulation, nav.Store(), nav.Zones, repo, nav.Weather)
	streamSrv := stream.NewServer(cfg.Stream, nav)

	// Fiber App
	app := http.NewApp(http.AppConfig{
		Name:      "CrowdNav API v1.0",
		AccessLog: cfg.Env != "test",
	})
	http.SetupRoutes(app, nav, dashboardSvc, cfg.Venue)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server starting on :%s", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
		return nil
	})
	g.Go(func() error { return streamSrv.Run(gctx) })
	g.Go(func() error { return driver.Run(gctx) })
	g.Go(func() error {
		return weatherSvc.Run(gctx, func(w domain.WeatherSnapshot) error {
			_, err := nav.SetWeather(w)
			return err
		})
	})
	g.Go(func() error { return countFeed.Run(gctx, nav.Ingest) })

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("Stopping after error: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := nav.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: %v", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("Warning: tracing shutdown: %v", err)
		}
	}
	log.Println("Server exited gracefully")
	return runErr
}
