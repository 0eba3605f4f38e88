package routing

import (
	"container/heap"
	"context"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/zonegraph"
)

type label struct {
	cost    float64
	hops    int
	prev    int // zone index, -1 at the source
	prevSeg int
	settled bool
	seen    bool
}

type item struct {
	zone int
	cost float64
	hops int
}

type queue []item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	return q[i].hops < q[j].hops
}
func (q queue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x interface{}) { *q = append(*q, x.(item)) }
func (q *queue) Pop() interface{} {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// path is a search result in index space.
type path struct {
	zones []int
	segs  []int
	cost  float64
}

// search is Dijkstra over precomputed segment weights. A negative weight
// marks a blocked segment and allowed[z] false removes a zone. Equal cost
// labels are broken by fewer hops, then by the lexicographically smaller
// zone id sequence, so the answer is canonical.
func search(ctx context.Context, g *zonegraph.Graph, weights []float64, allowed []bool, src, dst int, deadline time.Time) (path, error) {
	labels := make([]label, g.Len())
	labels[src] = label{prev: -1, prevSeg: -1, seen: true}
	q := &queue{{zone: src}}

	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return path{}, domain.WrapError(domain.CodeTimeout, "routing: search cancelled", err)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return path{}, domain.NewError(domain.CodeTimeout, "routing: deadline exceeded")
		}

		it := heap.Pop(q).(item)
		u := it.zone
		lu := &labels[u]
		if lu.settled || it.cost != lu.cost || it.hops != lu.hops {
			continue
		}
		lu.settled = true
		if u == dst {
			return assemble(labels, dst), nil
		}

		for _, si := range g.Adjacent(u) {
			w := weights[si]
			if w < 0 {
				continue
			}
			v := g.Other(si, u)
			if !allowed[v] || labels[v].settled {
				continue
			}
			cost := lu.cost + w
			hops := lu.hops + 1
			lv := &labels[v]
			if lv.seen && !better(g, labels, cost, hops, u, lv) {
				continue
			}
			pushed := !lv.seen || cost != lv.cost || hops != lv.hops
			*lv = label{cost: cost, hops: hops, prev: u, prevSeg: si, seen: true}
			if pushed {
				heap.Push(q, item{zone: v, cost: cost, hops: hops})
			}
		}
	}
	return path{}, domain.NewError(domain.CodeNotFound, "routing: no path satisfies the constraints")
}

// better reports whether reaching v through u beats v's current label.
func better(g *zonegraph.Graph, labels []label, cost float64, hops, u int, cur *label) bool {
	if cost != cur.cost {
		return cost < cur.cost
	}
	if hops != cur.hops {
		return hops < cur.hops
	}
	if u == cur.prev {
		return false // parallel segment, first in adjacency order wins
	}
	// Same length; compare the prefixes ending in u and cur.prev.
	a := chain(labels, u)
	b := chain(labels, cur.prev)
	for i := range a {
		ia, ib := g.ZoneAt(a[i]).ID, g.ZoneAt(b[i]).ID
		if ia != ib {
			return ia < ib
		}
	}
	return false
}

// chain returns the zone indexes from the source to z.
func chain(labels []label, z int) []int {
	var out []int
	for ; z >= 0; z = labels[z].prev {
		out = append(out, z)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func assemble(labels []label, dst int) path {
	p := path{zones: chain(labels, dst), cost: labels[dst].cost}
	for z := dst; labels[z].prev >= 0; z = labels[z].prev {
		p.segs = append(p.segs, labels[z].prevSeg)
	}
	for i, j := 0, len(p.segs)-1; i < j; i, j = i+1, j-1 {
		p.segs[i], p.segs[j] = p.segs[j], p.segs[i]
	}
	return p
}
