package domain

import "time"

// Topic groups diffs for subscription
type Topic string

const (
	TopicOccupancy Topic = "occupancy"
	TopicEmergency Topic = "emergency"
	TopicWeather   Topic = "weather"
)

// ParseTopics validates topic names; an empty list means every topic.
func ParseTopics(names []string) ([]Topic, error) {
	if len(names) == 0 {
		return []Topic{TopicOccupancy, TopicEmergency, TopicWeather}, nil
	}
	out := make([]Topic, 0, len(names))
	for _, n := range names {
		switch t := Topic(n); t {
		case TopicOccupancy, TopicEmergency, TopicWeather:
			out = append(out, t)
		default:
			return nil, NewError(CodeInvalidInput, "unknown topic "+n)
		}
	}
	return out, nil
}

// Diff is one state change pushed to subscribers. Exactly one of the
// payload pointers is set, matching Topic.
type Diff struct {
	Topic     Topic            `json:"topic"`
	Key       string           `json:"key"` // zone id, emergency id or "weather"
	Timestamp time.Time        `json:"timestamp"`
	Occupancy *OccupancyRecord `json:"occupancy,omitempty"`
	Emergency *Emergency       `json:"emergency,omitempty"`
	Weather   *WeatherSnapshot `json:"weather,omitempty"`
	// Capacity marks a zone that just reached Critical; informational only
	Capacity bool `json:"capacity_informational,omitempty"`
}
