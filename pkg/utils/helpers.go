package utils

import (
	"math"
	"time"
)

// WalkingSpeed is the pedestrian speed assumed for derived travel times (m/s)
const WalkingSpeed = 1.4

const earthRadiusM = 6371000

// HaversineMeters calculates the great-circle distance between two points in meters
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// WalkingTime converts a distance in meters to a walking duration
func WalkingTime(meters float64) time.Duration {
	if meters <= 0 {
		return 0
	}
	return time.Duration(meters / WalkingSpeed * float64(time.Second)).Round(time.Second)
}

// MetersToDegreesLat converts a north-south distance to degrees of latitude
func MetersToDegreesLat(m float64) float64 {
	return m / 111320
}

// MetersToDegreesLon converts an east-west distance to degrees of longitude at lat
func MetersToDegreesLon(m, lat float64) float64 {
	c := math.Cos(lat * math.Pi / 180)
	if c < 1e-6 {
		return 360
	}
	return m / (111320 * c)
}

// Clamp limits a value between min and max
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// RoundTo rounds a float to specified decimal places
func RoundTo(value float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}

// Lerp performs linear interpolation between two values
func Lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}
