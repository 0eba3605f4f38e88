// Package evacuation plans the way out of a hazard for every zone around it.
// Weights are plain travel time: speed of egress matters more than comfort.
package evacuation

import (
	"container/heap"
	"context"
	"log"
	"sort"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/occupancy"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

// DefaultSafeCategories are used when a plan names no safe zones.
var DefaultSafeCategories = []domain.Category{
	domain.CategoryMedical,
	domain.CategoryParking,
	domain.CategoryCamp,
}

// Planner builds evacuation plans. It is stateless.
type Planner struct {
	now func() time.Time
}

func NewPlanner() *Planner {
	return &Planner{now: time.Now}
}

type label struct {
	seconds float64
	next    int // zone index one hop closer to safety, -1 at a safe zone
	nextSeg int
	target  int
	reached bool
	settled bool
}

// Plan computes a route to safety for every zone within the severity's
// radius of the hazard. The hazard and any critical zone in that radius are
// never traversed. Zones with no way out are reported as isolated.
func (p *Planner) Plan(ctx context.Context, g *zonegraph.Graph, snap *occupancy.Snapshot, hazardZone string, severity domain.Severity, safeZones []string) (domain.EvacuationPlan, error) {
	if hazardZone == "" {
		return domain.EvacuationPlan{}, domain.NewError(domain.CodeInvalidInput, "evacuation: hazard zone is required")
	}
	if severity < domain.SeverityLow || severity > domain.SeverityCritical {
		return domain.EvacuationPlan{}, domain.NewError(domain.CodeInvalidInput, "evacuation: unknown severity")
	}
	hazard, err := g.Zone(hazardZone)
	if err != nil {
		return domain.EvacuationPlan{}, err
	}
	hi, _ := g.Index(hazardZone)

	around, err := g.Nearest(hazard.Location, severity.AffectedRadiusM())
	if err != nil {
		return domain.EvacuationPlan{}, err
	}

	excluded := make([]bool, g.Len())
	excluded[hi] = true
	var affected []int
	for _, z := range around {
		zi, _ := g.Index(z.ID)
		if zi == hi {
			continue
		}
		affected = append(affected, zi)
		if snap.Level(z.ID) == domain.LevelCritical {
			excluded[zi] = true
		}
	}

	if len(safeZones) == 0 {
		safeZones = g.ZonesByCategory(DefaultSafeCategories...)
	}
	var targets []int
	for _, id := range safeZones {
		si, ok := g.Index(id)
		if !ok {
			return domain.EvacuationPlan{}, domain.NewError(domain.CodeNotFound, "evacuation: unknown safe zone "+id)
		}
		if excluded[si] {
			continue
		}
		targets = append(targets, si)
	}

	labels, err := reverseSearch(ctx, g, excluded, targets)
	if err != nil {
		return domain.EvacuationPlan{}, err
	}

	plan := domain.EvacuationPlan{
		HazardZone:   hazardZone,
		Severity:     severity,
		Routes:       make(map[string]domain.EvacuationRoute),
		GraphVersion: g.Version(),
		ComputedAt:   p.now(),
	}
	for _, ti := range targets {
		plan.SafeZones = append(plan.SafeZones, g.ZoneAt(ti).ID)
	}
	for zi, ex := range excluded {
		if ex {
			plan.Excluded = append(plan.Excluded, g.ZoneAt(zi).ID)
		}
	}

	for _, zi := range affected {
		id := g.ZoneAt(zi).ID
		start, firstSeg, ok := zi, -1, labels[zi].reached && !excluded[zi]
		if excluded[zi] {
			// Occupants of a crushed zone still leave it; nobody passes through.
			start, firstSeg, ok = exitFrom(g, labels, excluded, zi)
		}
		if !ok {
			plan.Isolated = append(plan.Isolated, id)
			continue
		}
		plan.Routes[id] = walk(g, labels, zi, start, firstSeg)
	}
	sort.Strings(plan.SafeZones)
	sort.Strings(plan.Excluded)
	sort.Strings(plan.Isolated)

	if len(plan.Isolated) > 0 {
		log.Printf("evacuation: %d zone(s) isolated around %s: %v", len(plan.Isolated), hazardZone, plan.Isolated)
	}
	return plan, nil
}

// prefer reports whether reaching safety through hop a in sa seconds beats
// hop b in sb seconds: shorter time, then safer hop, then lower id.
func prefer(g *zonegraph.Graph, sa float64, a int, sb float64, b int) bool {
	if sa != sb {
		return sa < sb
	}
	za, zb := g.ZoneAt(a), g.ZoneAt(b)
	if za.Safety != zb.Safety {
		return za.Safety > zb.Safety
	}
	return za.ID < zb.ID
}

type item struct {
	zone    int
	seconds float64
}

type queue []item

func (q queue) Len() int            { return len(q) }
func (q queue) Less(i, j int) bool  { return q[i].seconds < q[j].seconds }
func (q queue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x interface{}) { *q = append(*q, x.(item)) }
func (q *queue) Pop() interface{} {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// reverseSearch runs Dijkstra outward from every target at once. Segments
// are undirected, so distances from the targets are distances to them.
func reverseSearch(ctx context.Context, g *zonegraph.Graph, excluded []bool, targets []int) ([]label, error) {
	labels := make([]label, g.Len())
	q := &queue{}
	for _, ti := range targets {
		labels[ti] = label{next: -1, nextSeg: -1, target: ti, reached: true}
		heap.Push(q, item{zone: ti})
	}

	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, domain.WrapError(domain.CodeTimeout, "evacuation: planning cancelled", err)
		}
		it := heap.Pop(q).(item)
		v := it.zone
		lv := &labels[v]
		if lv.settled || it.seconds != lv.seconds {
			continue
		}
		lv.settled = true

		for _, si := range g.Adjacent(v) {
			u := g.Other(si, v)
			if excluded[u] || labels[u].settled {
				continue
			}
			s := lv.seconds + g.SegmentAt(si).BaseTravelTime.Seconds()
			lu := &labels[u]
			if lu.reached && !prefer(g, s, v, lu.seconds, lu.next) {
				continue
			}
			pushed := !lu.reached || s != lu.seconds
			*lu = label{seconds: s, next: v, nextSeg: si, target: lv.target, reached: true}
			if pushed {
				heap.Push(q, item{zone: u, seconds: s})
			}
		}
	}
	return labels, nil
}

// exitFrom picks the best reachable neighbour of an excluded zone.
func exitFrom(g *zonegraph.Graph, labels []label, excluded []bool, zi int) (int, int, bool) {
	best, bestSeg := -1, -1
	bestSeconds := 0.0
	for _, si := range g.Adjacent(zi) {
		v := g.Other(si, zi)
		if excluded[v] || !labels[v].reached {
			continue
		}
		s := labels[v].seconds + g.SegmentAt(si).BaseTravelTime.Seconds()
		if best < 0 || prefer(g, s, v, bestSeconds, best) {
			best, bestSeg, bestSeconds = v, si, s
		}
	}
	return best, bestSeg, best >= 0
}

// walk follows next pointers from start to its safe zone. When firstSeg is
// set the route begins at from and steps onto start through it.
func walk(g *zonegraph.Graph, labels []label, from, start, firstSeg int) domain.EvacuationRoute {
	r := domain.EvacuationRoute{FromZone: g.ZoneAt(from).ID}
	var seconds float64
	r.ZoneIDs = append(r.ZoneIDs, g.ZoneAt(from).ID)
	if firstSeg >= 0 {
		s := g.SegmentAt(firstSeg)
		r.SegmentIDs = append(r.SegmentIDs, s.ID)
		r.ZoneIDs = append(r.ZoneIDs, g.ZoneAt(start).ID)
		r.DistanceM += s.LengthM
		seconds += s.BaseTravelTime.Seconds()
	}
	for z := start; labels[z].next >= 0; z = labels[z].next {
		s := g.SegmentAt(labels[z].nextSeg)
		r.SegmentIDs = append(r.SegmentIDs, s.ID)
		r.ZoneIDs = append(r.ZoneIDs, g.ZoneAt(labels[z].next).ID)
		r.DistanceM += s.LengthM
		seconds += s.BaseTravelTime.Seconds()
	}
	r.SafeZone = g.ZoneAt(labels[start].target).ID
	r.Duration = time.Duration(seconds * float64(time.Second))
	return r
}
