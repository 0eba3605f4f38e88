// Package emergency tracks reported incidents and their forward-only
// lifecycle.
package emergency

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcity/crowdnav/internal/domain"
)

// ZoneLookup reports whether a zone exists in the current topology.
type ZoneLookup func(zoneID string) bool

// Registry holds every incident reported since start. It is safe for
// concurrent use.
type Registry struct {
	exists ZoneLookup

	mu        sync.RWMutex
	items     map[uuid.UUID]*domain.Emergency
	listeners []func(domain.Diff)
	now       func() time.Time
}

func NewRegistry(exists ZoneLookup) *Registry {
	return &Registry{
		exists: exists,
		items:  make(map[uuid.UUID]*domain.Emergency),
		now:    time.Now,
	}
}

// OnChange registers fn to receive a diff for every report and transition.
// Listeners run under the registry lock, in transition order.
func (r *Registry) OnChange(fn func(domain.Diff)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Report records a new incident in the Reported state.
func (r *Registry) Report(rep domain.EmergencyReport) (domain.Emergency, error) {
	typ, err := domain.ParseEmergencyType(string(rep.Type))
	if err != nil {
		return domain.Emergency{}, err
	}
	if rep.Severity < domain.SeverityLow || rep.Severity > domain.SeverityCritical {
		return domain.Emergency{}, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("emergency: invalid severity %d", int(rep.Severity)))
	}
	if rep.ZoneID == "" {
		return domain.Emergency{}, domain.NewError(domain.CodeInvalidInput, "emergency: zone is required")
	}
	if r.exists != nil && !r.exists(rep.ZoneID) {
		return domain.Emergency{}, domain.NewError(domain.CodeNotFound, "emergency: unknown zone "+rep.ZoneID)
	}

	at := rep.ReportedAt
	if at.IsZero() {
		at = r.now()
	}
	e := &domain.Emergency{
		ID:          uuid.New(),
		Type:        typ,
		ZoneID:      rep.ZoneID,
		Severity:    rep.Severity,
		Status:      domain.StatusReported,
		Description: rep.Description,
		ReportedAt:  at,
	}
	e.Transitions = []domain.StatusChange{{EmergencyID: e.ID, From: domain.StatusReported, To: domain.StatusReported, At: at}}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[e.ID] = e
	log.Printf("emergency: %s %s reported at %s (%s)", e.Severity, e.Type, e.ZoneID, e.ID)
	r.emit(e)
	return copyOf(e), nil
}

// Transition moves an incident forward. Moving to the same or an earlier
// status is rejected, and Resolved is terminal. A zero at means now.
func (r *Registry) Transition(id uuid.UUID, to domain.EmergencyStatus, at time.Time) (domain.Emergency, error) {
	if at.IsZero() {
		at = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return domain.Emergency{}, domain.NewError(domain.CodeNotFound, "emergency: unknown incident "+id.String())
	}
	if !domain.CanTransition(e.Status, to) {
		return domain.Emergency{}, domain.NewError(domain.CodeInvalidInput,
			fmt.Sprintf("emergency: cannot move %s from %s to %s", id, e.Status, to))
	}
	if last := e.Transitions[len(e.Transitions)-1].At; at.Before(last) {
		return domain.Emergency{}, domain.NewError(domain.CodeInvalidInput,
			fmt.Sprintf("emergency: transition at %s precedes %s", at.Format(time.RFC3339), last.Format(time.RFC3339)))
	}

	change := domain.StatusChange{EmergencyID: id, From: e.Status, To: to, At: at}
	e.Status = to
	e.Transitions = append(e.Transitions, change)
	if to == domain.StatusResolved {
		resolved := at
		e.ResolvedAt = &resolved
	}
	log.Printf("emergency: %s %s -> %s", id, change.From, change.To)
	r.emit(e)
	return copyOf(e), nil
}

// Get returns one incident.
func (r *Registry) Get(id uuid.UUID) (domain.Emergency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		return domain.Emergency{}, domain.NewError(domain.CodeNotFound, "emergency: unknown incident "+id.String())
	}
	return copyOf(e), nil
}

// List returns incidents newest first, optionally only unresolved ones.
func (r *Registry) List(activeOnly bool) []domain.Emergency {
	r.mu.RLock()
	out := make([]domain.Emergency, 0, len(r.items))
	for _, e := range r.items {
		if activeOnly && !e.Active() {
			continue
		}
		out = append(out, copyOf(e))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReportedAt.Equal(out[j].ReportedAt) {
			return out[i].ReportedAt.After(out[j].ReportedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Diffs returns the current state of every incident, for resyncs.
func (r *Registry) Diffs() []domain.Diff {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Diff, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, diffOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// emit must be called with r.mu held.
func (r *Registry) emit(e *domain.Emergency) {
	if len(r.listeners) == 0 {
		return
	}
	d := diffOf(e)
	for _, fn := range r.listeners {
		fn(d)
	}
}

func diffOf(e *domain.Emergency) domain.Diff {
	c := copyOf(e)
	return domain.Diff{
		Topic:     domain.TopicEmergency,
		Key:       e.ID.String(),
		Timestamp: e.Transitions[len(e.Transitions)-1].At,
		Emergency: &c,
	}
}

func copyOf(e *domain.Emergency) domain.Emergency {
	c := *e
	c.Transitions = append([]domain.StatusChange(nil), e.Transitions...)
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}
