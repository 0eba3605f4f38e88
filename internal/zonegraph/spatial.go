package zonegraph

import (
	"math"
	"sort"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/pkg/utils"
)

const defaultCellM = 250.0

type cellKey struct{ x, y int }

// gridIndex buckets zone centers into fixed-size lat/lon cells.
type gridIndex struct {
	cellLat float64
	cellLon float64
	cells   map[cellKey][]int
	zones   []domain.Zone
}

type hit struct {
	idx  int
	dist float64
}

func newGridIndex(zones []domain.Zone, cellM float64) *gridIndex {
	refLat := 0.0
	if len(zones) > 0 {
		for _, z := range zones {
			refLat += z.Location.Lat
		}
		refLat /= float64(len(zones))
	}
	gi := &gridIndex{
		cellLat: utils.MetersToDegreesLat(cellM),
		cellLon: utils.MetersToDegreesLon(cellM, refLat),
		cells:   make(map[cellKey][]int),
		zones:   zones,
	}
	for i, z := range zones {
		k := gi.key(z.Location)
		gi.cells[k] = append(gi.cells[k], i)
	}
	return gi
}

func (gi *gridIndex) key(p domain.Point) cellKey {
	return cellKey{
		x: int(math.Floor(p.Lon / gi.cellLon)),
		y: int(math.Floor(p.Lat / gi.cellLat)),
	}
}

// within scans only the cells overlapping the radius bounding box.
func (gi *gridIndex) within(p domain.Point, radiusM float64) []hit {
	dLat := utils.MetersToDegreesLat(radiusM)
	dLon := utils.MetersToDegreesLon(radiusM, p.Lat)
	lo := gi.key(domain.Point{Lat: p.Lat - dLat, Lon: p.Lon - dLon})
	hi := gi.key(domain.Point{Lat: p.Lat + dLat, Lon: p.Lon + dLon})

	var hits []hit
	consider := func(i int) {
		z := gi.zones[i].Location
		d := utils.HaversineMeters(p.Lat, p.Lon, z.Lat, z.Lon)
		if d <= radiusM {
			hits = append(hits, hit{idx: i, dist: d})
		}
	}

	span := float64(hi.x-lo.x+1) * float64(hi.y-lo.y+1)
	if span > float64(len(gi.cells)) {
		// Radius covers more cells than are populated; a full scan is cheaper.
		for i := range gi.zones {
			consider(i)
		}
	} else {
		for x := lo.x; x <= hi.x; x++ {
			for y := lo.y; y <= hi.y; y++ {
				for _, i := range gi.cells[cellKey{x, y}] {
					consider(i)
				}
			}
		}
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].dist != hits[b].dist {
			return hits[a].dist < hits[b].dist
		}
		return gi.zones[hits[a].idx].ID < gi.zones[hits[b].idx].ID
	})
	return hits
}
