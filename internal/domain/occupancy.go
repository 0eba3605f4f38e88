package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CrowdLevel is the derived crowd category of a zone.
// Adding a level means touching every switch over it.
type CrowdLevel int

const (
	LevelLow CrowdLevel = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

// NumLevels is the number of defined crowd levels.
const NumLevels = 4

func (l CrowdLevel) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l CrowdLevel) Valid() bool {
	return l >= LevelLow && l <= LevelCritical
}

// ParseCrowdLevel parses the lower-case level name.
func ParseCrowdLevel(s string) (CrowdLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	case "critical":
		return LevelCritical, nil
	default:
		return 0, NewError(CodeInvalidInput, fmt.Sprintf("unknown crowd level %q", s))
	}
}

func (l CrowdLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *CrowdLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseCrowdLevel(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Source records where an occupancy figure came from
type Source string

const (
	SourceMeasured  Source = "measured"
	SourceEstimated Source = "estimated"
)

// ParseSource validates a source name; empty means measured.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceMeasured, "":
		return SourceMeasured, nil
	case SourceEstimated:
		return SourceEstimated, nil
	default:
		return "", NewError(CodeInvalidInput, fmt.Sprintf("unknown source %q", s))
	}
}

// OccupancyRecord is the latest crowd reading for one zone
type OccupancyRecord struct {
	ZoneID     string     `json:"zone_id"`
	Count      int        `json:"count"`
	Capacity   int        `json:"capacity"`
	Level      CrowdLevel `json:"level"`
	Confidence float64    `json:"confidence"`
	Source     Source     `json:"source"`
	Timestamp  time.Time  `json:"timestamp"`
	// Trend compares Count with the previous accepted reading
	Trend string `json:"trend,omitempty"`
}

// Ratio returns count / capacity, zero for non-positive capacity.
func (r OccupancyRecord) Ratio() float64 {
	if r.Capacity <= 0 {
		return 0
	}
	return float64(r.Count) / float64(r.Capacity)
}

// OccupancyUpdate is a single reading pushed by a feed
type OccupancyUpdate struct {
	ZoneID    string    `json:"zone_id"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	// Confidence is only honored for estimated updates; zero means default
	Confidence float64 `json:"confidence,omitempty"`
}
