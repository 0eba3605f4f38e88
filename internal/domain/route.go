package domain

import (
	"time"

	"github.com/google/uuid"
)

// RouteTTL is how long a computed route may be reused without revalidation.
const RouteTTL = 15 * time.Second

// RouteOptions constrain a route query
type RouteOptions struct {
	AvoidCrowds           bool          `json:"avoid_crowds"`
	AccessibilityRequired Accessibility `json:"-"`
	// MaxSafetyRisk excludes zones above this level; nil disables it
	MaxSafetyRisk *CrowdLevel `json:"max_safety_risk,omitempty"`
	Deadline      time.Time   `json:"-"`
	// Alternatives is the maximum number of routes returned, at least 1
	Alternatives int `json:"alternatives"`
}

// Route is a snapshot-derived path between two zones
type Route struct {
	ZoneIDs       []string      `json:"zone_ids"`
	SegmentIDs    []string      `json:"segment_ids"`
	DistanceM     float64       `json:"distance_m"`
	Duration      time.Duration `json:"duration"`
	Cost          float64       `json:"cost"`
	SafetyScore   float64       `json:"safety_score"`
	CrowdExposure float64       `json:"crowd_exposure"`
	GraphVersion  uint64        `json:"graph_version"`
	ComputedAt    time.Time     `json:"computed_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// Valid reports whether the route is still within its TTL.
func (r Route) Valid(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Hops is the number of segments traversed.
func (r Route) Hops() int {
	return len(r.SegmentIDs)
}

// EvacuationRoute is one affected zone's way out
type EvacuationRoute struct {
	FromZone   string        `json:"from_zone"`
	SafeZone   string        `json:"safe_zone"`
	ZoneIDs    []string      `json:"zone_ids"`
	SegmentIDs []string      `json:"segment_ids"`
	Duration   time.Duration `json:"duration"`
	DistanceM  float64       `json:"distance_m"`
}

// EvacuationPlan maps every affected zone to a route or marks it isolated
type EvacuationPlan struct {
	EmergencyID  uuid.UUID                  `json:"emergency_id"`
	HazardZone   string                     `json:"hazard_zone"`
	Severity     Severity                   `json:"severity"`
	SafeZones    []string                   `json:"safe_zones"`
	Excluded     []string                   `json:"excluded"`
	Routes       map[string]EvacuationRoute `json:"routes"`
	Isolated     []string                   `json:"isolated"`
	GraphVersion uint64                     `json:"graph_version"`
	ComputedAt   time.Time                  `json:"computed_at"`
}

// RouteFor returns the evacuation route for a zone. Isolated zones yield
// ErrIsolated and zones outside the plan NotFound.
func (p EvacuationPlan) RouteFor(zoneID string) (EvacuationRoute, error) {
	if r, ok := p.Routes[zoneID]; ok {
		return r, nil
	}
	for _, id := range p.Isolated {
		if id == zoneID {
			return EvacuationRoute{}, NewError(CodeIsolated, "zone "+zoneID+" has no safe exit")
		}
	}
	return EvacuationRoute{}, NewError(CodeNotFound, "zone "+zoneID+" is not in the evacuation plan")
}
