package service

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smartcity/crowdnav/internal/broadcast"
	"github.com/smartcity/crowdnav/internal/cost"
	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/emergency"
	"github.com/smartcity/crowdnav/internal/evacuation"
	"github.com/smartcity/crowdnav/internal/occupancy"
	"github.com/smartcity/crowdnav/internal/routing"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

// HistoryRepository is re-exported from domain for convenience
type HistoryRepository = domain.HistoryRepository

// DefaultQueryTimeout bounds route and evacuation queries without a deadline.
const DefaultQueryTimeout = 2 * time.Second

// NavigationService is the single entry point the transports talk to. It
// owns the live state and wires its pieces together.
type NavigationService struct {
	graphs      *zonegraph.Registry
	store       *occupancy.Store
	emergencies *emergency.Registry
	routes      *routing.Planner
	evac        *evacuation.Planner
	bus         *broadcast.Broadcaster
	history     *HistoryWriter
	tracer      trace.Tracer

	weatherMu sync.Mutex // serializes SetWeather
	weather   atomic.Pointer[domain.WeatherSnapshot]

	mu    sync.RWMutex
	plans map[uuid.UUID]domain.EvacuationPlan
	// safe zones as requested at report time; nil means the default categories
	requested map[uuid.UUID][]string

	now func() time.Time
}

// Options configures a NavigationService.
type Options struct {
	Model     cost.Model
	Broadcast broadcast.Config
	Policy    occupancy.Policy
	// History may be nil, in which case nothing is persisted
	History HistoryRepository
	// HistoryBuffer is the async write queue length
	HistoryBuffer int
}

// NewNavigationService builds the live state around an initial topology.
func NewNavigationService(zones []domain.Zone, segments []domain.Segment, opts Options) (*NavigationService, error) {
	if err := opts.Model.Validate(); err != nil {
		return nil, fmt.Errorf("service: invalid cost model: %w", err)
	}
	g, err := zonegraph.New(zones, segments)
	if err != nil {
		return nil, fmt.Errorf("service: failed to build zone graph: %w", err)
	}

	s := &NavigationService{
		graphs:    zonegraph.NewRegistry(g),
		store:     occupancy.NewStore(zones, opts.Policy),
		routes:    routing.NewPlanner(opts.Model),
		evac:      evacuation.NewPlanner(),
		history:   NewHistoryWriter(opts.History, opts.HistoryBuffer),
		tracer:    otel.Tracer("github.com/smartcity/crowdnav/internal/service"),
		plans:     make(map[uuid.UUID]domain.EvacuationPlan),
		requested: make(map[uuid.UUID][]string),
		now:       time.Now,
	}
	s.emergencies = emergency.NewRegistry(func(id string) bool { return s.graphs.Current().Exists(id) })
	s.bus = broadcast.New(opts.Broadcast, s.SnapshotDiffs)

	s.store.OnChange(func(d domain.Diff) {
		s.bus.Publish(d)
		if d.Occupancy != nil {
			s.history.Occupancy(*d.Occupancy)
		}
	})
	s.emergencies.OnChange(func(d domain.Diff) {
		s.bus.Publish(d)
		if e := d.Emergency; e != nil {
			s.history.Transition(*e, e.Transitions[len(e.Transitions)-1])
		}
	})
	// New zones are tracked before the graph is published; removed ones are
	// dropped only once queries no longer see them.
	s.graphs.BeforePublish(func(next, current *zonegraph.Graph) {
		s.store.SyncZones(mergeZones(current.Zones(), next.Zones()))
	})
	s.graphs.OnReload(func(g *zonegraph.Graph) {
		s.store.SyncZones(g.Zones())
	})
	return s, nil
}

// mergeZones returns the union of two zone sets, taking next's definition
// where both have a zone.
func mergeZones(current, next []domain.Zone) []domain.Zone {
	out := append([]domain.Zone(nil), next...)
	for _, z := range current {
		if !slices.ContainsFunc(next, func(n domain.Zone) bool { return n.ID == z.ID }) {
			out = append(out, z)
		}
	}
	return out
}

// Store exposes the occupancy store to the simulation driver.
func (s *NavigationService) Store() *occupancy.Store { return s.store }

// Zones returns the zones of the current topology.
func (s *NavigationService) Zones() []domain.Zone { return s.graphs.Current().Zones() }

// Segments returns the segments of the current topology.
func (s *NavigationService) Segments() []domain.Segment { return s.graphs.Current().Segments() }

// GraphVersion returns the current topology version.
func (s *NavigationService) GraphVersion() uint64 { return s.graphs.Current().Version() }

// Topology returns the current topology in file form.
func (s *NavigationService) Topology(venue string) *zonegraph.TopologyFile {
	return zonegraph.FromGraph(venue, s.graphs.Current())
}

// NearestZones returns zones within radiusM of p, nearest first.
func (s *NavigationService) NearestZones(p domain.Point, radiusM float64) ([]domain.Zone, error) {
	return s.graphs.Current().Nearest(p, radiusM)
}

// withDeadline applies the default query timeout when the caller set none.
func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		if _, ok := ctx.Deadline(); ok {
			return ctx, func() {}
		}
		return context.WithTimeout(ctx, DefaultQueryTimeout)
	}
	return context.WithDeadline(ctx, deadline)
}

// GetRoutes answers a route query against one graph version and one
// occupancy snapshot.
func (s *NavigationService) GetRoutes(ctx context.Context, from, to string, opts domain.RouteOptions) ([]domain.Route, error) {
	ctx, cancel := withDeadline(ctx, opts.Deadline)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "service.GetRoutes", trace.WithAttributes(
		attribute.String("route.from", from),
		attribute.String("route.to", to),
		attribute.Bool("route.avoid_crowds", opts.AvoidCrowds),
		attribute.Int("route.alternatives", opts.Alternatives),
	))
	defer span.End()

	g, release := s.graphs.Acquire()
	defer release()
	snap := s.store.Snapshot()
	span.SetAttributes(
		attribute.Int64("graph.version", int64(g.Version())),
		attribute.Int64("occupancy.seq", int64(snap.Seq())),
	)

	routes, err := s.routes.FindRoutes(ctx, g, snap, s.weather.Load(), from, to, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("route.count", len(routes)))
	return routes, nil
}

// GetCrowdStatus returns one zone's current status.
func (s *NavigationService) GetCrowdStatus(zoneID string) (occupancy.ZoneStatus, error) {
	z, err := s.graphs.Current().Zone(zoneID)
	if err != nil {
		return occupancy.ZoneStatus{}, err
	}
	rec, ok := s.store.Snapshot().Record(zoneID)
	if !ok {
		return occupancy.ZoneStatus{}, domain.NewError(domain.CodeNotFound, "service: no occupancy reading for zone "+zoneID)
	}
	return occupancy.ZoneStatus{
		OccupancyRecord: rec,
		Name:            z.Name,
		Category:        string(z.Category),
		WaitTime:        occupancy.WaitTime(z.Category, rec.Ratio()),
	}, nil
}

// GetCrowdSummary returns the venue-wide crowd status.
func (s *NavigationService) GetCrowdSummary() occupancy.Summary {
	return occupancy.Summarize(s.store.Snapshot(), s.Zones(), s.now())
}

// Ingest applies a batch of readings. Rejected readings are reported per
// item and never fail the batch.
func (s *NavigationService) Ingest(ctx context.Context, updates []domain.OccupancyUpdate) []occupancy.Result {
	_, span := s.tracer.Start(ctx, "service.Ingest", trace.WithAttributes(attribute.Int("ingest.count", len(updates))))
	defer span.End()

	results := s.store.ApplyBatch(updates)
	rejected := 0
	for _, r := range results {
		if r.Err != nil {
			rejected++
		}
	}
	span.SetAttributes(attribute.Int("ingest.rejected", rejected))
	return results
}

// SetWeather records the current weather, scoring its crowd impact.
func (s *NavigationService) SetWeather(w domain.WeatherSnapshot) (domain.WeatherSnapshot, error) {
	if w.Conditions == "" {
		w.Conditions = domain.ConditionsFromDescription(w.Description)
	}
	switch w.Conditions {
	case domain.ConditionsClear, domain.ConditionsCloudy, domain.ConditionsRain, domain.ConditionsStorm:
	default:
		return domain.WeatherSnapshot{}, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("service: unknown weather conditions %q", w.Conditions))
	}
	if w.Timestamp.IsZero() {
		w.Timestamp = s.now()
	}
	s.weatherMu.Lock()
	defer s.weatherMu.Unlock()
	if prev := s.weather.Load(); prev != nil && !w.Timestamp.After(prev.Timestamp) {
		return *prev, domain.NewError(domain.CodeStaleData, "service: weather is not newer than the current snapshot")
	}
	w.CrowdImpact = cost.CrowdImpact(w)

	s.weather.Store(&w)
	s.bus.Publish(weatherDiff(&w))
	s.history.Weather(w)
	return w, nil
}

// Weather returns the latest weather, or nil if none was recorded.
func (s *NavigationService) Weather() *domain.WeatherSnapshot {
	return s.weather.Load()
}

func weatherDiff(w *domain.WeatherSnapshot) domain.Diff {
	c := *w
	return domain.Diff{Topic: domain.TopicWeather, Key: "weather", Timestamp: w.Timestamp, Weather: &c}
}

// ReportEmergency records an incident and plans the evacuation around it.
// The incident is kept even if planning fails.
func (s *NavigationService) ReportEmergency(ctx context.Context, rep domain.EmergencyReport, safeZones []string) (domain.Emergency, domain.EvacuationPlan, error) {
	e, err := s.emergencies.Report(rep)
	if err != nil {
		return domain.Emergency{}, domain.EvacuationPlan{}, err
	}
	var requested []string
	if len(safeZones) > 0 {
		requested = append(requested, safeZones...)
	}
	s.mu.Lock()
	s.requested[e.ID] = requested
	s.mu.Unlock()

	plan, err := s.planEvacuation(ctx, e, requested)
	if err != nil {
		return e, domain.EvacuationPlan{}, fmt.Errorf("service: failed to plan evacuation for %s: %w", e.ID, err)
	}
	return e, plan, nil
}

func (s *NavigationService) planEvacuation(ctx context.Context, e domain.Emergency, safeZones []string) (domain.EvacuationPlan, error) {
	ctx, cancel := withDeadline(ctx, time.Time{})
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "service.PlanEvacuation", trace.WithAttributes(
		attribute.String("emergency.id", e.ID.String()),
		attribute.String("emergency.zone", e.ZoneID),
		attribute.String("emergency.severity", e.Severity.String()),
	))
	defer span.End()

	g, release := s.graphs.Acquire()
	defer release()
	plan, err := s.evac.Plan(ctx, g, s.store.Snapshot(), e.ZoneID, e.Severity, safeZones)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.EvacuationPlan{}, err
	}
	plan.EmergencyID = e.ID
	span.SetAttributes(attribute.Int("evacuation.routes", len(plan.Routes)), attribute.Int("evacuation.isolated", len(plan.Isolated)))

	s.mu.Lock()
	s.plans[e.ID] = plan
	s.mu.Unlock()
	return plan, nil
}

// EvacuationPlan returns the plan for an active incident, recomputing it
// against current occupancy and the safe zones asked for at report time.
func (s *NavigationService) EvacuationPlan(ctx context.Context, id uuid.UUID) (domain.EvacuationPlan, error) {
	e, err := s.emergencies.Get(id)
	if err != nil {
		return domain.EvacuationPlan{}, err
	}
	s.mu.RLock()
	prev, ok := s.plans[id]
	requested := s.requested[id]
	s.mu.RUnlock()
	if !e.Active() {
		if !ok {
			return domain.EvacuationPlan{}, domain.NewError(domain.CodeNotFound, "service: no evacuation plan for "+id.String())
		}
		return prev, nil
	}
	return s.planEvacuation(ctx, e, requested)
}

// UpdateEmergencyStatus moves an incident forward.
func (s *NavigationService) UpdateEmergencyStatus(id uuid.UUID, status domain.EmergencyStatus, at time.Time) (domain.Emergency, error) {
	return s.emergencies.Transition(id, status, at)
}

// Emergency returns one incident.
func (s *NavigationService) Emergency(id uuid.UUID) (domain.Emergency, error) {
	return s.emergencies.Get(id)
}

// Emergencies lists incidents, newest first.
func (s *NavigationService) Emergencies(activeOnly bool) []domain.Emergency {
	return s.emergencies.List(activeOnly)
}

// ReloadTopology publishes a new venue topology. Queries already running
// finish against the previous version.
func (s *NavigationService) ReloadTopology(tf *zonegraph.TopologyFile) (uint64, error) {
	zones, segments, err := tf.Build()
	if err != nil {
		return 0, domain.WrapError(domain.CodeInvalidInput, "service: invalid topology", err)
	}
	version, _, err := s.graphs.Reload(zones, segments)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Subscribe registers a stream subscriber.
func (s *NavigationService) Subscribe(topics []domain.Topic) *broadcast.Subscription {
	return s.bus.Subscribe(topics)
}

// SnapshotDiffs returns the full current state of the given topics.
func (s *NavigationService) SnapshotDiffs(topics []domain.Topic) []domain.Diff {
	var out []domain.Diff
	for _, t := range topics {
		switch t {
		case domain.TopicOccupancy:
			for _, rec := range s.store.Snapshot().Records() {
				r := rec
				out = append(out, domain.Diff{Topic: t, Key: r.ZoneID, Timestamp: r.Timestamp, Occupancy: &r})
			}
		case domain.TopicEmergency:
			out = append(out, s.emergencies.Diffs()...)
		case domain.TopicWeather:
			if w := s.weather.Load(); w != nil {
				out = append(out, weatherDiff(w))
			}
		}
	}
	return out
}

// Restore seeds the store from the latest persisted records.
func (s *NavigationService) Restore(ctx context.Context) (int, error) {
	if s.history.repo == nil {
		return 0, nil
	}
	recs, err := s.history.repo.LatestOccupancy(ctx)
	if err != nil {
		return 0, fmt.Errorf("service: failed to restore occupancy: %w", err)
	}
	updates := make([]domain.OccupancyUpdate, 0, len(recs))
	for _, r := range recs {
		updates = append(updates, domain.OccupancyUpdate{
			ZoneID: r.ZoneID, Count: r.Count, Timestamp: r.Timestamp, Source: r.Source, Confidence: r.Confidence,
		})
	}
	restored := 0
	for _, res := range s.store.ApplyBatch(updates) {
		if res.Err == nil {
			restored++
		}
	}
	log.Printf("service: restored %d of %d zone record(s) from history", restored, len(recs))
	return restored, nil
}

// OccupancyHistory returns a zone's persisted readings in [from, to],
// newest first.
func (s *NavigationService) OccupancyHistory(ctx context.Context, zoneID string, from, to time.Time) ([]domain.OccupancyRecord, error) {
	if !s.graphs.Current().Exists(zoneID) {
		return nil, domain.NewError(domain.CodeNotFound, "service: unknown zone "+zoneID)
	}
	if s.history.repo == nil {
		return nil, nil
	}
	recs, err := s.history.repo.OccupancyHistory(ctx, zoneID, from, to)
	if err != nil {
		return nil, fmt.Errorf("service: failed to load history for %s: %w", zoneID, err)
	}
	return recs, nil
}

// Health checks the history store.
func (s *NavigationService) Health(ctx context.Context) error {
	if s.history.repo == nil {
		return nil
	}
	return s.history.repo.Health(ctx)
}

// Shutdown closes every subscription, drains queued history writes and
// persists the final snapshot.
func (s *NavigationService) Shutdown(ctx context.Context) error {
	s.bus.Close()
	s.history.Close()
	if s.history.repo == nil {
		return nil
	}
	recs := s.store.Snapshot().Records()
	if err := s.history.repo.SaveSnapshot(ctx, recs); err != nil {
		return fmt.Errorf("service: failed to persist final snapshot: %w", err)
	}
	log.Printf("service: persisted final snapshot (%d zones)", len(recs))
	return nil
}

// Subscribers returns the number of live stream subscribers.
func (s *NavigationService) Subscribers() int {
	return s.bus.Subscribers()
}
