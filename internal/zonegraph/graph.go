// Package zonegraph holds the venue topology: zones and the segments that
// connect them, addressed by integer index so the cyclic adjacency never
// needs owning references.
package zonegraph

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/smartcity/crowdnav/internal/domain"
)

// Graph is an immutable zone/segment graph. It is built once and replaced
// wholesale on reload.
type Graph struct {
	zones    []domain.Zone
	segments []domain.Segment
	ends     [][2]int // segment index -> zone indexes of A and B
	adj      [][]int  // zone index -> segment indexes
	zoneIdx  map[string]int
	segIdx   map[string]int
	grid     *gridIndex
	version  uint64
	inflight atomic.Int64
}

// New validates the definitions and builds a graph.
func New(zones []domain.Zone, segments []domain.Segment) (*Graph, error) {
	g := &Graph{
		zones:    make([]domain.Zone, len(zones)),
		segments: make([]domain.Segment, len(segments)),
		ends:     make([][2]int, len(segments)),
		adj:      make([][]int, len(zones)),
		zoneIdx:  make(map[string]int, len(zones)),
		segIdx:   make(map[string]int, len(segments)),
	}
	copy(g.zones, zones)
	copy(g.segments, segments)

	for i, z := range g.zones {
		if z.ID == "" {
			return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("zone %d has empty id", i))
		}
		if _, dup := g.zoneIdx[z.ID]; dup {
			return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("duplicate zone id %q", z.ID))
		}
		if z.Capacity <= 0 {
			return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("zone %q: capacity must be positive", z.ID))
		}
		if err := z.Location.Validate(); err != nil {
			return nil, domain.WrapError(domain.CodeInvalidInput, fmt.Sprintf("zone %q", z.ID), err)
		}
		g.zoneIdx[z.ID] = i
	}

	for i, s := range g.segments {
		if s.ID == "" {
			return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("segment %d has empty id", i))
		}
		if _, dup := g.segIdx[s.ID]; dup {
			return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("duplicate segment id %q", s.ID))
		}
		a, okA := g.zoneIdx[s.A]
		b, okB := g.zoneIdx[s.B]
		if !okA || !okB {
			return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("segment %q references unknown zone", s.ID))
		}
		if a == b {
			return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("segment %q is a self-loop", s.ID))
		}
		if s.BaseTravelTime < 0 || s.LengthM < 0 {
			return nil, domain.NewError(domain.CodeInvalidInput, fmt.Sprintf("segment %q has negative travel time or length", s.ID))
		}
		g.segIdx[s.ID] = i
		g.ends[i] = [2]int{a, b}
		g.adj[a] = append(g.adj[a], i)
		g.adj[b] = append(g.adj[b], i)
	}

	// Stable adjacency order keeps searches deterministic.
	for zi := range g.adj {
		list := g.adj[zi]
		sort.Slice(list, func(x, y int) bool {
			ox := g.zones[g.Other(list[x], zi)].ID
			oy := g.zones[g.Other(list[y], zi)].ID
			if ox != oy {
				return ox < oy
			}
			return g.segments[list[x]].ID < g.segments[list[y]].ID
		})
	}

	g.grid = newGridIndex(g.zones, defaultCellM)
	return g, nil
}

// Version is the registry version this graph was published under.
func (g *Graph) Version() uint64 { return g.version }

// Len returns the number of zones.
func (g *Graph) Len() int { return len(g.zones) }

// Index returns the internal index of a zone.
func (g *Graph) Index(zoneID string) (int, bool) {
	i, ok := g.zoneIdx[zoneID]
	return i, ok
}

// ZoneAt returns the zone at index i.
func (g *Graph) ZoneAt(i int) domain.Zone { return g.zones[i] }

// SegmentAt returns the segment at index i.
func (g *Graph) SegmentAt(i int) domain.Segment { return g.segments[i] }

// Adjacent returns the segment indexes touching zone index i. The slice
// must not be modified.
func (g *Graph) Adjacent(i int) []int { return g.adj[i] }

// Ends returns the zone indexes of segment si's endpoints.
func (g *Graph) Ends(si int) [2]int { return g.ends[si] }

// Other returns the zone index at the far end of segment si from zone zi.
func (g *Graph) Other(si, zi int) int {
	e := g.ends[si]
	if e[0] == zi {
		return e[1]
	}
	return e[0]
}

// Exists reports whether the zone is part of the graph.
func (g *Graph) Exists(zoneID string) bool {
	_, ok := g.zoneIdx[zoneID]
	return ok
}

// Zone looks up a zone by id.
func (g *Graph) Zone(zoneID string) (domain.Zone, error) {
	i, ok := g.zoneIdx[zoneID]
	if !ok {
		return domain.Zone{}, domain.NewError(domain.CodeNotFound, fmt.Sprintf("unknown zone %q", zoneID))
	}
	return g.zones[i], nil
}

// Neighbors returns the segments touching a zone.
func (g *Graph) Neighbors(zoneID string) ([]domain.Segment, error) {
	i, ok := g.zoneIdx[zoneID]
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, fmt.Sprintf("unknown zone %q", zoneID))
	}
	out := make([]domain.Segment, 0, len(g.adj[i]))
	for _, si := range g.adj[i] {
		out = append(out, g.segments[si])
	}
	return out, nil
}

// Zones returns a copy of every zone, in definition order.
func (g *Graph) Zones() []domain.Zone {
	out := make([]domain.Zone, len(g.zones))
	copy(out, g.zones)
	return out
}

// Segments returns a copy of every segment, in definition order.
func (g *Graph) Segments() []domain.Segment {
	out := make([]domain.Segment, len(g.segments))
	copy(out, g.segments)
	return out
}

// ZonesByCategory returns the ids of zones in any of the categories, sorted.
func (g *Graph) ZonesByCategory(cats ...domain.Category) []string {
	var out []string
	for _, z := range g.zones {
		for _, c := range cats {
			if z.Category == c {
				out = append(out, z.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Nearest returns zones whose center lies within radiusM of p, closest first.
func (g *Graph) Nearest(p domain.Point, radiusM float64) ([]domain.Zone, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if radiusM <= 0 {
		return nil, domain.NewError(domain.CodeInvalidInput, "radius must be positive")
	}
	hits := g.grid.within(p, radiusM)
	out := make([]domain.Zone, len(hits))
	for i, h := range hits {
		out[i] = g.zones[h.idx]
	}
	return out, nil
}

// InFlight is the number of queries currently holding this graph.
func (g *Graph) InFlight() int64 { return g.inflight.Load() }
