// Package routing answers crowd-aware route queries over one graph version
// and one occupancy snapshot.
package routing

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/smartcity/crowdnav/internal/cost"
	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/occupancy"
	"github.com/smartcity/crowdnav/internal/zonegraph"
	"github.com/smartcity/crowdnav/pkg/utils"
)

const (
	// DefaultDiversityThreshold is the maximum share of an alternative's
	// segments that may also appear in an accepted route.
	DefaultDiversityThreshold = 0.7
	// MaxAlternatives caps FindRoutes.
	MaxAlternatives = 5

	alternativePenalty = 2.0
	attemptsPerRoute   = 3
)

// Planner computes routes. It holds no per-query state and is safe for
// concurrent use.
type Planner struct {
	Model              cost.Model
	DiversityThreshold float64
	now                func() time.Time
}

// NewPlanner creates a planner with the given cost model.
func NewPlanner(m cost.Model) *Planner {
	return &Planner{Model: m, DiversityThreshold: DefaultDiversityThreshold, now: time.Now}
}

// query is everything one call derives from its inputs up front, so every
// evaluation inside the call sees the same snapshot.
type query struct {
	g       *zonegraph.Graph
	snap    *occupancy.Snapshot
	weather *domain.WeatherSnapshot
	opts    domain.RouteOptions
	src     int
	dst     int
	loads   []cost.EndpointLoad
	allowed []bool
	weights []float64 // search weight per segment, -1 when blocked
	costs   []float64 // edge cost per segment under the base model
}

// FindRoute returns the single best route from src to dst.
func (p *Planner) FindRoute(ctx context.Context, g *zonegraph.Graph, snap *occupancy.Snapshot, w *domain.WeatherSnapshot, src, dst string, opts domain.RouteOptions) (domain.Route, error) {
	opts.Alternatives = 1
	routes, err := p.FindRoutes(ctx, g, snap, w, src, dst, opts)
	if err != nil {
		return domain.Route{}, err
	}
	return routes[0], nil
}

// FindRoutes returns up to opts.Alternatives diverse routes, best first.
// After every search the segments found have their weights doubled; a
// candidate is kept only if it shares less than the diversity threshold of
// its segments with every accepted route.
func (p *Planner) FindRoutes(ctx context.Context, g *zonegraph.Graph, snap *occupancy.Snapshot, w *domain.WeatherSnapshot, src, dst string, opts domain.RouteOptions) ([]domain.Route, error) {
	q, err := p.prepare(g, snap, w, src, dst, opts)
	if err != nil {
		return nil, err
	}
	k := opts.Alternatives
	if k <= 0 {
		k = 1
	}
	if k > MaxAlternatives {
		k = MaxAlternatives
	}

	best, err := search(ctx, g, q.weights, q.allowed, q.src, q.dst, opts.Deadline)
	if err != nil {
		return nil, err
	}
	now := p.now()
	routes := []domain.Route{p.build(q, best, now)}
	accepted := []path{best}

	weights := append([]float64(nil), q.weights...)
	penalize := func(pa path) {
		for _, si := range pa.segs {
			weights[si] *= alternativePenalty
		}
	}
	penalize(best)
	for attempt := 0; len(accepted) < k && attempt < k*attemptsPerRoute; attempt++ {
		cand, err := search(ctx, g, weights, q.allowed, q.src, q.dst, opts.Deadline)
		if err != nil {
			if errors.Is(err, domain.ErrTimeout) {
				return nil, err
			}
			break
		}
		penalize(cand)
		if !p.diverse(cand, accepted) {
			continue
		}
		accepted = append(accepted, cand)
		routes = append(routes, p.build(q, cand, now))
	}
	return routes, nil
}

func (p *Planner) prepare(g *zonegraph.Graph, snap *occupancy.Snapshot, w *domain.WeatherSnapshot, src, dst string, opts domain.RouteOptions) (*query, error) {
	if src == "" || dst == "" {
		return nil, domain.NewError(domain.CodeInvalidInput, "routing: source and destination are required")
	}
	if src == dst {
		return nil, domain.NewError(domain.CodeInvalidInput, "routing: source and destination are the same zone")
	}
	if opts.Alternatives < 0 {
		return nil, domain.NewError(domain.CodeInvalidInput, "routing: alternatives must not be negative")
	}
	if opts.MaxSafetyRisk != nil && !opts.MaxSafetyRisk.Valid() {
		return nil, domain.NewError(domain.CodeInvalidInput, "routing: unknown safety risk level")
	}
	si, ok := g.Index(src)
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "routing: unknown source zone "+src)
	}
	di, ok := g.Index(dst)
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "routing: unknown destination zone "+dst)
	}

	q := &query{
		g: g, snap: snap, weather: w, opts: opts, src: si, dst: di,
		loads:   make([]cost.EndpointLoad, g.Len()),
		allowed: make([]bool, g.Len()),
	}
	for zi := 0; zi < g.Len(); zi++ {
		z := g.ZoneAt(zi)
		q.loads[zi] = cost.EndpointLoad{Level: snap.Level(z.ID), Ratio: snap.Ratio(z.ID)}
		q.allowed[zi] = z.Access.Has(opts.AccessibilityRequired)
		if opts.MaxSafetyRisk != nil && q.loads[zi].Level > *opts.MaxSafetyRisk {
			q.allowed[zi] = false
		}
	}
	// The caller is already standing in the source zone.
	q.allowed[si] = true

	// Crowd penalties always count; avoiding crowds only makes the search
	// lean harder away from them.
	search := p.Model
	if opts.AvoidCrowds {
		search = search.Amplified()
	}
	q.weights = make([]float64, len(g.Segments()))
	q.costs = make([]float64, len(g.Segments()))
	for s := range q.weights {
		seg := g.SegmentAt(s)
		if !seg.Access.Has(opts.AccessibilityRequired) {
			q.weights[s] = -1
			continue
		}
		ends := q.ends(s)
		c, ok := p.Model.EdgeCost(seg, ends, w)
		if !ok {
			q.weights[s] = -1
			continue
		}
		q.costs[s] = c
		q.weights[s], _ = search.EdgeCost(seg, ends, w)
	}
	return q, nil
}

// ends returns the endpoint loads of a segment. The source never counts as
// impassable so a caller can always leave it.
func (q *query) ends(si int) [2]cost.EndpointLoad {
	e := q.g.Ends(si)
	out := [2]cost.EndpointLoad{q.loads[e[0]], q.loads[e[1]]}
	for i := range e {
		if e[i] == q.src {
			out[i].Ratio = 0
		}
	}
	return out
}

func (p *Planner) diverse(cand path, accepted []path) bool {
	set := make(map[int]struct{}, len(cand.segs))
	for _, si := range cand.segs {
		set[si] = struct{}{}
	}
	for _, a := range accepted {
		shared := 0
		for _, si := range a.segs {
			if _, ok := set[si]; ok {
				shared++
			}
		}
		if float64(shared)/float64(len(set)) >= p.DiversityThreshold {
			return false
		}
	}
	return true
}

// build turns an index path into a Route with totals under the base model.
func (p *Planner) build(q *query, pa path, now time.Time) domain.Route {
	r := domain.Route{
		ZoneIDs:      make([]string, len(pa.zones)),
		SegmentIDs:   make([]string, len(pa.segs)),
		GraphVersion: q.g.Version(),
		ComputedAt:   now,
		ExpiresAt:    now.Add(domain.RouteTTL),
	}
	for i, zi := range pa.zones {
		r.ZoneIDs[i] = q.g.ZoneAt(zi).ID
	}

	weather := cost.WeatherPenalty(q.weather)
	var seconds float64
	for i, si := range pa.segs {
		seg := q.g.SegmentAt(si)
		r.SegmentIDs[i] = seg.ID
		r.DistanceM += seg.LengthM
		r.Cost += q.costs[si]
		penalty := p.Model.SegmentPenalty(q.ends(si))
		base := seg.BaseTravelTime.Seconds()
		seconds += base * penalty * weather
		r.CrowdExposure += (penalty - 1) * base
	}
	r.Duration = time.Duration(math.Round(seconds)) * time.Second
	r.Cost = utils.RoundTo(r.Cost, 3)
	r.CrowdExposure = utils.RoundTo(r.CrowdExposure, 3)
	r.SafetyScore = p.safetyScore(q, pa)
	return r
}

var levelSafetyPenalty = [domain.NumLevels]float64{0, 1, 3, 5}

// safetyScore starts at 10, subtracts the mean crowd penalty of the zones
// traversed, adjusts for segment width and rewards accessible routing.
func (p *Planner) safetyScore(q *query, pa path) float64 {
	score := 10.0
	crowd := 0.0
	for _, zi := range pa.zones {
		l := q.loads[zi].Level
		if !l.Valid() {
			l = domain.LevelCritical
		}
		crowd += levelSafetyPenalty[l]
	}
	if len(pa.zones) > 0 {
		score -= crowd / float64(len(pa.zones))
	}
	for _, si := range pa.segs {
		w := q.g.SegmentAt(si).WidthM
		switch {
		case w > 0 && w < 4:
			score -= 2
		case w > 8:
			score++
		}
	}
	if q.opts.AccessibilityRequired != 0 {
		score += 0.5
	}
	return utils.RoundTo(utils.Clamp(score, 0, 10), 2)
}
