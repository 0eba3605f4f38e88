package occupancy

import (
	"fmt"
	"math"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
)

// Trend compares two consecutive counts with a 10% dead band.
func Trend(prev, cur int) string {
	switch {
	case float64(cur) > float64(prev)*1.1:
		return "increasing"
	case float64(cur) < float64(prev)*0.9:
		return "decreasing"
	default:
		return "stable"
	}
}

var baseWait = map[domain.Category]float64{
	domain.CategoryTemple:  15,
	domain.CategoryGhat:    10,
	domain.CategoryParking: 5,
	domain.CategoryMedical: 20,
	domain.CategoryCamp:    5,
	domain.CategoryOther:   5,
}

// WaitTime estimates the queueing delay at a zone of the given category
// and occupancy ratio. Below 40% there is no wait.
func WaitTime(cat domain.Category, ratio float64) time.Duration {
	if ratio < 0.4 {
		return 0
	}
	minutes, ok := baseWait[cat]
	if !ok {
		minutes = baseWait[domain.CategoryOther]
	}
	switch {
	case ratio >= 0.9:
		minutes *= 3
	case ratio >= 0.7:
		minutes *= 2
	case ratio >= 0.5:
		minutes *= 1.5
	}
	return time.Duration(math.Round(minutes)) * time.Minute
}

// ZoneStatus is one zone's line in a crowd summary.
type ZoneStatus struct {
	domain.OccupancyRecord
	Name     string        `json:"name"`
	Category string        `json:"category"`
	WaitTime time.Duration `json:"wait_time"`
}

// Summary is the venue-wide crowd status.
type Summary struct {
	OverallLevel    domain.CrowdLevel `json:"overall_level"`
	TotalCount      int               `json:"total_count"`
	TotalCapacity   int               `json:"total_capacity"`
	Zones           []ZoneStatus      `json:"zones"`
	Critical        []string          `json:"critical,omitempty"`
	Estimated       int               `json:"estimated"`
	Recommendations []string          `json:"recommendations"`
	SnapshotSeq     uint64            `json:"snapshot_seq"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// Summarize builds a crowd summary from one snapshot. Zones without a
// record are skipped.
func Summarize(snap *Snapshot, zones []domain.Zone, now time.Time) Summary {
	sum := Summary{SnapshotSeq: snap.Seq(), GeneratedAt: now}
	high := 0
	for _, z := range zones {
		rec, ok := snap.Record(z.ID)
		if !ok {
			continue
		}
		sum.TotalCount += rec.Count
		sum.TotalCapacity += rec.Capacity
		if rec.Source == domain.SourceEstimated {
			sum.Estimated++
		}
		switch rec.Level {
		case domain.LevelCritical:
			sum.Critical = append(sum.Critical, z.ID)
		case domain.LevelHigh:
			high++
		}
		sum.Zones = append(sum.Zones, ZoneStatus{
			OccupancyRecord: rec,
			Name:            z.Name,
			Category:        string(z.Category),
			WaitTime:        WaitTime(z.Category, rec.Ratio()),
		})
	}
	sum.OverallLevel = DeriveLevel(sum.TotalCount, sum.TotalCapacity, domain.LevelLow)
	sum.Recommendations = recommendations(len(sum.Critical), high)
	return sum
}

func recommendations(critical, high int) []string {
	var out []string
	if critical > 0 {
		out = append(out,
			fmt.Sprintf("URGENT: %d zone(s) at critical capacity, apply crowd control now", critical),
			"Restrict entry to overcrowded areas",
			"Deploy additional security personnel to critical zones",
		)
	}
	if high > 0 {
		out = append(out,
			fmt.Sprintf("%d zone(s) with high crowds, monitor closely", high),
			"Direct visitors to less crowded areas",
		)
	}
	if critical+high > 3 {
		out = append(out, "Consider activating crowd dispersal protocols")
	}
	return append(out,
		"Keep evacuation routes clear",
		"Station medical personnel at busy zones",
	)
}
