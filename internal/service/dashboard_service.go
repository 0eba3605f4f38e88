package service

import (
	"context"
	"log"
	"time"

	"github.com/smartcity/crowdnav/internal/cost"
	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/occupancy"
)

// DashboardData is the operator overview of the venue
type DashboardData struct {
	Crowd             occupancy.Summary       `json:"crowd"`
	Weather           *domain.WeatherSnapshot `json:"weather,omitempty"`
	WeatherImpact     string                  `json:"weather_impact,omitempty"`
	ActiveEmergencies []domain.Emergency      `json:"active_emergencies"`
	GraphVersion      uint64                  `json:"graph_version"`
	Subscribers       int                     `json:"subscribers"`
	StorageHealthy    bool                    `json:"storage_healthy"`
	Timestamp         time.Time               `json:"timestamp"`
}

// DashboardService aggregates all live data
type DashboardService struct {
	nav *NavigationService
}

// NewDashboardService creates a new dashboard service
func NewDashboardService(nav *NavigationService) *DashboardService {
	return &DashboardService{nav: nav}
}

// GetDashboardData assembles the overview. Everything comes from in-memory
// state except the storage health check, which is bounded by ctx.
func (s *DashboardService) GetDashboardData(ctx context.Context) DashboardData {
	data := DashboardData{
		Crowd:             s.nav.GetCrowdSummary(),
		Weather:           s.nav.Weather(),
		ActiveEmergencies: s.nav.Emergencies(true),
		GraphVersion:      s.nav.GraphVersion(),
		Subscribers:       s.nav.Subscribers(),
		StorageHealthy:    true,
		Timestamp:         s.nav.now(),
	}
	if data.Weather != nil {
		data.WeatherImpact = cost.ImpactLevel(data.Weather.CrowdImpact)
	}

	hctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.nav.Health(hctx); err != nil {
		log.Printf("dashboard: storage unhealthy: %v", err)
		data.StorageHealthy = false
	}
	return data
}
