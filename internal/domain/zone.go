package domain

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a zone
type Category string

const (
	CategoryTemple  Category = "temple"
	CategoryGhat    Category = "ghat"
	CategoryParking Category = "parking"
	CategoryMedical Category = "medical"
	CategoryCamp    Category = "camp"
	CategoryOther   Category = "other"
)

// ParseCategory maps a free-form string onto a known category.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryTemple, CategoryGhat, CategoryParking, CategoryMedical, CategoryCamp, CategoryOther:
		return c, nil
	case "":
		return CategoryOther, nil
	default:
		return "", NewError(CodeInvalidInput, fmt.Sprintf("unknown zone category %q", s))
	}
}

// Accessibility is a set of accessibility flags
type Accessibility uint8

const (
	AccessWheelchair Accessibility = 1 << iota
	AccessStepFree
	AccessLit
)

// Has reports whether every flag in want is present.
func (a Accessibility) Has(want Accessibility) bool {
	return a&want == want
}

// Flags returns the flag names, for JSON and TOML.
func (a Accessibility) Flags() []string {
	var out []string
	if a.Has(AccessWheelchair) {
		out = append(out, "wheelchair")
	}
	if a.Has(AccessStepFree) {
		out = append(out, "step_free")
	}
	if a.Has(AccessLit) {
		out = append(out, "lit")
	}
	return out
}

// ParseAccessibility builds a flag set from names.
func ParseAccessibility(names []string) (Accessibility, error) {
	var a Accessibility
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "wheelchair":
			a |= AccessWheelchair
		case "step_free", "stepfree":
			a |= AccessStepFree
		case "lit":
			a |= AccessLit
		default:
			return 0, NewError(CodeInvalidInput, fmt.Sprintf("unknown accessibility flag %q", n))
		}
	}
	return a, nil
}

// Point is a WGS84 coordinate
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks coordinate ranges.
func (p Point) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return NewError(CodeInvalidInput, "latitude out of range [-90, 90]")
	}
	if p.Lon < -180 || p.Lon > 180 {
		return NewError(CodeInvalidInput, "longitude out of range [-180, 180]")
	}
	return nil
}

// Zone is a bounded place of interest with a capacity
type Zone struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Category  Category      `json:"category"`
	Capacity  int           `json:"capacity"`
	Location  Point         `json:"location"`
	Polygon   []Point       `json:"polygon,omitempty"`
	Access    Accessibility `json:"-"`
	Safety    float64       `json:"safety"` // 0..1, higher is safer to gather in
	Amenities []string      `json:"amenities,omitempty"`
}

// Segment is an undirected traversable connection between two zones
type Segment struct {
	ID             string        `json:"id"`
	A              string        `json:"zone_a"`
	B              string        `json:"zone_b"`
	BaseTravelTime time.Duration `json:"base_travel_time"`
	LengthM        float64       `json:"length_m"`
	WidthM         float64       `json:"width_m,omitempty"`
	Access         Accessibility `json:"-"`
}

// Other returns the endpoint opposite to zoneID.
func (s Segment) Other(zoneID string) string {
	if s.A == zoneID {
		return s.B
	}
	return s.A
}
