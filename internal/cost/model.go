// Package cost turns crowd levels and weather into segment traversal cost.
// Everything here is a pure function of its inputs.
package cost

import (
	"fmt"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/pkg/utils"
)

// Model holds the crowd penalty table and the impassable threshold.
type Model struct {
	// Penalties is indexed by domain.CrowdLevel and must be non-decreasing
	Penalties [domain.NumLevels]float64
	// ImpassableRatio blocks a segment when either endpoint is at or above
	// this occupancy ratio; zero disables blocking
	ImpassableRatio float64
}

// Default returns penalties 1.0/1.3/1.8/3.0 and blocks at 150% occupancy.
func Default() Model {
	return Model{
		Penalties:       [domain.NumLevels]float64{1.0, 1.3, 1.8, 3.0},
		ImpassableRatio: 1.5,
	}
}

// Validate checks the penalty table is usable.
func (m Model) Validate() error {
	for i, p := range m.Penalties {
		if p < 1 {
			return domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("cost: penalty for %s below 1", domain.CrowdLevel(i)))
		}
		if i > 0 && p < m.Penalties[i-1] {
			return domain.NewError(domain.CodeInvalidInput, "cost: penalties must be non-decreasing")
		}
	}
	if m.ImpassableRatio < 0 {
		return domain.NewError(domain.CodeInvalidInput, "cost: impassable ratio must not be negative")
	}
	return nil
}

// Amplified returns a copy with every penalty squared and the same
// impassable threshold. Crowd-avoiding searches rank segments with it;
// the ordering of levels is unchanged.
func (m Model) Amplified() Model {
	a := m
	for i, p := range a.Penalties {
		a.Penalties[i] = p * p
	}
	return a
}

// CrowdPenalty returns the multiplier for a level.
func (m Model) CrowdPenalty(l domain.CrowdLevel) float64 {
	if !l.Valid() {
		return m.Penalties[domain.LevelCritical]
	}
	return m.Penalties[l]
}

// EndpointLoad is the crowd state of one end of a segment.
type EndpointLoad struct {
	Level domain.CrowdLevel
	Ratio float64
}

// Impassable reports whether a zone at this load blocks traversal.
func (m Model) Impassable(e EndpointLoad) bool {
	return m.ImpassableRatio > 0 && e.Ratio >= m.ImpassableRatio
}

// SegmentPenalty is the crowd penalty for a segment, driven by its busier
// endpoint.
func (m Model) SegmentPenalty(ends [2]EndpointLoad) float64 {
	l := ends[0].Level
	if ends[1].Level > l {
		l = ends[1].Level
	}
	return m.CrowdPenalty(l)
}

// EdgeCost is base travel seconds × crowd penalty × weather penalty.
// ok is false when the segment is impassable.
func (m Model) EdgeCost(seg domain.Segment, ends [2]EndpointLoad, w *domain.WeatherSnapshot) (float64, bool) {
	if m.Impassable(ends[0]) || m.Impassable(ends[1]) {
		return 0, false
	}
	return seg.BaseTravelTime.Seconds() * m.SegmentPenalty(ends) * WeatherPenalty(w), true
}

// WeatherPenalty slows walking in bad weather. A nil snapshot is neutral.
func WeatherPenalty(w *domain.WeatherSnapshot) float64 {
	if w == nil {
		return 1
	}
	p := 1.0
	switch w.Conditions {
	case domain.ConditionsRain:
		p = 1.25
	case domain.ConditionsStorm:
		p = 1.6
	}
	if w.Temperature > 38 || w.Temperature < 5 {
		p *= 1.1
	}
	if w.WindSpeed > 40 {
		p *= 1.1
	}
	return p
}

// CrowdImpact scores from 0 to 10 how strongly the weather keeps visitors
// away; 5 is neutral.
func CrowdImpact(w domain.WeatherSnapshot) float64 {
	score := 5.0
	switch {
	case w.Temperature < 15 || w.Temperature > 35:
		score += 2
	case w.Temperature >= 20 && w.Temperature <= 30:
		score--
	}
	switch w.Conditions {
	case domain.ConditionsClear:
		score -= 1.5
	case domain.ConditionsRain:
		score += 3
	case domain.ConditionsStorm:
		score += 5
	}
	if w.Visibility > 0 && w.Visibility < 5 {
		score += 1.5
	}
	if w.WindSpeed > 25 {
		score++
	}
	return utils.Clamp(score, 0, 10)
}

// ImpactLevel buckets a CrowdImpact score.
func ImpactLevel(score float64) string {
	switch {
	case score >= 7:
		return "high"
	case score >= 4:
		return "medium"
	default:
		return "low"
	}
}
