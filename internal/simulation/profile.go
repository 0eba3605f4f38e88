package simulation

import (
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
)

// minSamples is how many historical readings a slot needs before it is
// trusted over the baseline.
const minSamples = 3

// Baseline occupancy by zone category, before time-of-day scaling.
var categoryBaseline = map[domain.Category]float64{
	domain.CategoryTemple:  200,
	domain.CategoryGhat:    150,
	domain.CategoryParking: 30,
	domain.CategoryMedical: 50,
	domain.CategoryCamp:    100,
	domain.CategoryOther:   50,
}

// timeOfDayMultiplier follows the daily ritual rhythm: morning prayers,
// evening aarti, midday, quiet otherwise.
func timeOfDayMultiplier(hour int) float64 {
	switch {
	case hour >= 5 && hour <= 8: // Morning prayers
		return 2.0
	case hour >= 17 && hour <= 20: // Evening aarti
		return 1.8
	case hour >= 11 && hour <= 14: // Midday
		return 1.2
	default:
		return 0.5
	}
}

// weatherMultiplier keeps people away in bad weather.
func weatherMultiplier(w *domain.WeatherSnapshot) float64 {
	if w == nil {
		return 1
	}
	switch {
	case w.Conditions == domain.ConditionsStorm:
		return 0.3
	case w.Conditions == domain.ConditionsRain:
		return 0.7
	case w.Temperature > 35:
		return 0.6
	case w.Temperature < 10:
		return 0.8
	default:
		return 1
	}
}

// Baseline estimates a zone's occupancy with no history to go on.
func Baseline(z domain.Zone, at time.Time, w *domain.WeatherSnapshot) float64 {
	base, ok := categoryBaseline[z.Category]
	if !ok {
		base = categoryBaseline[domain.CategoryOther]
	}
	m := timeOfDayMultiplier(at.Hour()) * weatherMultiplier(w)
	// Weekends draw more pilgrims
	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		m *= 1.2
	}
	return base * m
}

type slot struct {
	zone    string
	weekday time.Weekday
	hour    int
}

// Profile is the historical mean occupancy per zone, weekday and hour.
type Profile struct {
	means map[slot]float64
}

// NewProfile indexes history buckets, ignoring thin ones.
func NewProfile(buckets []domain.ProfileBucket) *Profile {
	p := &Profile{means: make(map[slot]float64, len(buckets))}
	for _, b := range buckets {
		if b.Samples < minSamples {
			continue
		}
		p.means[slot{b.ZoneID, b.Weekday, b.Hour}] = b.Mean
	}
	return p
}

// Len returns the number of usable slots.
func (p *Profile) Len() int { return len(p.means) }

// Expected returns the expected occupancy of z at the given time and
// whether it came from history rather than the baseline.
func (p *Profile) Expected(z domain.Zone, at time.Time, w *domain.WeatherSnapshot) (float64, bool) {
	if p != nil {
		if m, ok := p.means[slot{z.ID, at.Weekday(), at.Hour()}]; ok {
			return m * weatherMultiplier(w), true
		}
	}
	return Baseline(z, at, w), false
}
