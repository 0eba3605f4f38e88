// Package occupancy is the live per-zone crowd store. Readers take
// immutable snapshots; writers are serialized and publish a new snapshot
// per batch.
package occupancy

import (
	"github.com/smartcity/crowdnav/internal/domain"
)

// Entry ratios for each band; a band is left only below entry - exitGap.
// Critical starts at 90% so a zone is flagged before it is actually full.
var entryRatio = [domain.NumLevels]float64{
	domain.LevelLow:      0,
	domain.LevelMedium:   0.5,
	domain.LevelHigh:     0.8,
	domain.LevelCritical: 0.9,
}

const exitGap = 0.10

// EntryRatio returns the ratio at which a level is entered.
func EntryRatio(l domain.CrowdLevel) float64 {
	return entryRatio[l]
}

// ExitRatio returns the ratio below which a level is left.
func ExitRatio(l domain.CrowdLevel) float64 {
	if l == domain.LevelLow {
		return 0
	}
	return entryRatio[l] - exitGap
}

// rawLevel is the level without hysteresis.
func rawLevel(ratio float64) domain.CrowdLevel {
	switch {
	case ratio >= entryRatio[domain.LevelCritical]:
		return domain.LevelCritical
	case ratio >= entryRatio[domain.LevelHigh]:
		return domain.LevelHigh
	case ratio >= entryRatio[domain.LevelMedium]:
		return domain.LevelMedium
	default:
		return domain.LevelLow
	}
}

// DeriveLevel computes the crowd level from count and capacity given the
// previous level. Rising uses entry thresholds; falling only steps down
// once the ratio is under the current band's exit threshold.
func DeriveLevel(count, capacity int, prev domain.CrowdLevel) domain.CrowdLevel {
	if capacity <= 0 {
		return domain.LevelLow
	}
	ratio := float64(count) / float64(capacity)
	raw := rawLevel(ratio)
	if raw >= prev || !prev.Valid() {
		return raw
	}
	level := prev
	for level > raw && ratio < ExitRatio(level) {
		level--
	}
	return level
}
