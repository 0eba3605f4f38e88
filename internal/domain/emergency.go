package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmergencyType classifies an incident
type EmergencyType string

const (
	EmergencyMedical  EmergencyType = "medical"
	EmergencyStampede EmergencyType = "stampede"
	EmergencyFire     EmergencyType = "fire"
	EmergencySecurity EmergencyType = "security"
	EmergencyNatural  EmergencyType = "natural"
)

// ParseEmergencyType validates an incident type name.
func ParseEmergencyType(s string) (EmergencyType, error) {
	switch t := EmergencyType(strings.ToLower(strings.TrimSpace(s))); t {
	case EmergencyMedical, EmergencyStampede, EmergencyFire, EmergencySecurity, EmergencyNatural:
		return t, nil
	case "natural_disaster":
		return EmergencyNatural, nil
	default:
		return "", NewError(CodeInvalidInput, fmt.Sprintf("unknown emergency type %q", s))
	}
}

// Severity of an incident, ordered
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity parses the lower-case severity name.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, NewError(CodeInvalidInput, fmt.Sprintf("unknown severity %q", s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// AffectedRadiusM is how far around the hazard zone an incident of this
// severity reaches.
func (s Severity) AffectedRadiusM() float64 {
	switch s {
	case SeverityLow:
		return 100
	case SeverityMedium:
		return 250
	case SeverityHigh:
		return 500
	case SeverityCritical:
		return 1000
	default:
		return 250
	}
}

// EmergencyStatus moves forward only: Reported -> Responding -> Resolved
type EmergencyStatus int

const (
	StatusReported EmergencyStatus = iota
	StatusResponding
	StatusResolved
)

func (s EmergencyStatus) String() string {
	switch s {
	case StatusReported:
		return "reported"
	case StatusResponding:
		return "responding"
	case StatusResolved:
		return "resolved"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseEmergencyStatus parses the lower-case status name.
func ParseEmergencyStatus(s string) (EmergencyStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reported", "active":
		return StatusReported, nil
	case "responding":
		return StatusResponding, nil
	case "resolved", "closed":
		return StatusResolved, nil
	default:
		return 0, NewError(CodeInvalidInput, fmt.Sprintf("unknown emergency status %q", s))
	}
}

func (s EmergencyStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *EmergencyStatus) UnmarshalText(b []byte) error {
	v, err := ParseEmergencyStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to EmergencyStatus) bool {
	return from != StatusResolved && to > from && to <= StatusResolved
}

// StatusChange is one audited status transition
type StatusChange struct {
	EmergencyID uuid.UUID       `json:"emergency_id"`
	From        EmergencyStatus `json:"from"`
	To          EmergencyStatus `json:"to"`
	At          time.Time       `json:"at"`
}

// Emergency is a reported incident and its lifecycle
type Emergency struct {
	ID          uuid.UUID       `json:"id"`
	Type        EmergencyType   `json:"type"`
	ZoneID      string          `json:"zone_id"`
	Severity    Severity        `json:"severity"`
	Status      EmergencyStatus `json:"status"`
	Description string          `json:"description,omitempty"`
	ReportedAt  time.Time       `json:"reported_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	Transitions []StatusChange  `json:"transitions"`
}

// Active reports whether the incident has not been resolved.
func (e Emergency) Active() bool {
	return e.Status != StatusResolved
}

// EmergencyReport is the input for a new incident
type EmergencyReport struct {
	Type        EmergencyType `json:"type"`
	ZoneID      string        `json:"location_zone_id"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description,omitempty"`
	ReportedAt  time.Time     `json:"reported_at"`
}
