package domain

import (
	"strings"
	"time"
)

// Conditions is the coarse sky/precipitation state used by the cost model
type Conditions string

const (
	ConditionsClear  Conditions = "clear"
	ConditionsCloudy Conditions = "cloudy"
	ConditionsRain   Conditions = "rain"
	ConditionsStorm  Conditions = "storm"
)

// ConditionsFromDescription maps provider descriptions ("light rain",
// "thunderstorm", "overcast clouds") onto Conditions.
func ConditionsFromDescription(desc string) Conditions {
	d := strings.ToLower(desc)
	switch {
	case strings.Contains(d, "thunder"), strings.Contains(d, "storm"), strings.Contains(d, "squall"), strings.Contains(d, "tornado"):
		return ConditionsStorm
	case strings.Contains(d, "rain"), strings.Contains(d, "drizzle"), strings.Contains(d, "shower"), strings.Contains(d, "snow"):
		return ConditionsRain
	case strings.Contains(d, "cloud"), strings.Contains(d, "overcast"), strings.Contains(d, "mist"), strings.Contains(d, "fog"), strings.Contains(d, "haze"):
		return ConditionsCloudy
	default:
		return ConditionsClear
	}
}

// WeatherSnapshot is the current weather over the venue
type WeatherSnapshot struct {
	Temperature float64    `json:"temperature"`   // °C
	Humidity    int        `json:"humidity"`      // %
	WindSpeed   float64    `json:"wind_speed"`    // km/h
	Visibility  float64    `json:"visibility_km"` // km
	Conditions  Conditions `json:"conditions"`
	Description string     `json:"description,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	CrowdImpact float64    `json:"crowd_impact"` // 0-10, filled by the service
	IsMock      bool       `json:"is_mock"`
}

// WeatherResponse wraps weather data with metadata
type WeatherResponse struct {
	Data    WeatherSnapshot `json:"data"`
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
}

// UjjainCenter is the default venue center used by the weather feed
const (
	UjjainCenterLat = 23.1765
	UjjainCenterLon = 75.7885
)
