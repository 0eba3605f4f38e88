package osm

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/serjvanilla/go-overpass"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/zonegraph"
	"github.com/smartcity/crowdnav/pkg/utils"
)

// Config configures the Overpass importer
type Config struct {
	Endpoint    string        `env:"OVERPASS_ENDPOINT" envDefault:"https://overpass-api.de/api/interpreter"`
	Timeout     time.Duration `env:"OVERPASS_TIMEOUT" envDefault:"60s"`
	LinkRadiusM float64       `env:"OSM_LINK_RADIUS_M" envDefault:"400"`
	Neighbors   int           `env:"OSM_NEIGHBORS" envDefault:"3"`
}

// BBox is a south/west/north/east bounding box in degrees.
type BBox struct {
	South, West, North, East float64
}

// UjjainBBox covers the Simhastha core area.
var UjjainBBox = BBox{South: 23.15, West: 75.74, North: 23.22, East: 75.81}

// ParseBBox reads "south,west,north,east".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, domain.NewError(domain.CodeInvalidInput, "osm: bbox needs south,west,north,east")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, domain.WrapError(domain.CodeInvalidInput, "osm: bad bbox coordinate", err)
		}
		v[i] = f
	}
	b := BBox{South: v[0], West: v[1], North: v[2], East: v[3]}
	if b.South >= b.North || b.West >= b.East {
		return BBox{}, domain.NewError(domain.CodeInvalidInput, "osm: empty bbox")
	}
	return b, nil
}

func (b BBox) String() string {
	return fmt.Sprintf("%f,%f,%f,%f", b.South, b.West, b.North, b.East)
}

// Importer builds venue topology from OpenStreetMap
type Importer struct {
	client *overpass.Client
	cfg    Config
}

// NewImporter creates a new importer
func NewImporter(cfg Config) *Importer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.LinkRadiusM <= 0 {
		cfg.LinkRadiusM = 400
	}
	if cfg.Neighbors <= 0 {
		cfg.Neighbors = 3
	}
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
	}
	client := overpass.NewWithSettings(cfg.Endpoint, 2, httpClient)
	return &Importer{
		client: &client,
		cfg:    cfg,
	}
}

func query(box BBox) string {
	bb := box.String()
	return fmt.Sprintf(`
		[out:json][timeout:25];
		(
			node["amenity"~"^(place_of_worship|hospital|clinic|parking|police|fire_station)$"](%[1]s);
			way["amenity"~"^(place_of_worship|hospital|clinic|parking)$"](%[1]s);
			node["tourism"~"^(attraction|camp_site)$"](%[1]s);
			way["tourism"="camp_site"](%[1]s);
			node["leisure"="bathing_place"](%[1]s);
			node["name"~"[Gg]hat"](%[1]s);
		);
		out body;
		>;
		out skel qt;
	`, bb)
}

// Import queries Overpass for points of interest inside box and links them
// into a walkable topology.
func (i *Importer) Import(ctx context.Context, venue string, box BBox) (*zonegraph.TopologyFile, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	type outcome struct {
		res overpass.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := i.client.Query(query(box))
		done <- outcome{res, err}
	}()

	var res overpass.Result
	select {
	case <-ctx.Done():
		return nil, domain.WrapError(domain.CodeTimeout, "osm: overpass query", ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, fmt.Errorf("osm: overpass query failed: %w", o.err)
		}
		res = o.res
	}

	elements := convert(&res)
	log.Printf("osm: %d nodes, %d ways, %d usable elements", len(res.Nodes), len(res.Ways), len(elements))
	return Build(venue, elements, i.cfg.LinkRadiusM, i.cfg.Neighbors), nil
}

// Element is a tagged OSM node or way reduced to a point.
type Element struct {
	ID   string
	Lat  float64
	Lon  float64
	Tags map[string]string
	// AreaM2 is the bounding area of a way, zero for nodes.
	AreaM2 float64
}

func convert(result *overpass.Result) []Element {
	var elements []Element
	for _, node := range result.Nodes {
		// Untagged nodes are way geometry pulled in by the recursion.
		if len(node.Tags) == 0 {
			continue
		}
		elements = append(elements, Element{
			ID:   fmt.Sprintf("osm-n%d", node.ID),
			Lat:  node.Lat,
			Lon:  node.Lon,
			Tags: node.Tags,
		})
	}

	for _, way := range result.Ways {
		if len(way.Tags) == 0 || len(way.Nodes) == 0 {
			continue
		}
		var lat, lon float64
		minLat, minLon, maxLat, maxLon := 90.0, 180.0, -90.0, -180.0
		count := 0
		for _, n := range way.Nodes {
			if n == nil {
				continue
			}
			lat += n.Lat
			lon += n.Lon
			minLat, maxLat = min(minLat, n.Lat), max(maxLat, n.Lat)
			minLon, maxLon = min(minLon, n.Lon), max(maxLon, n.Lon)
			count++
		}
		if count == 0 {
			continue
		}
		lat /= float64(count)
		lon /= float64(count)
		h := utils.HaversineMeters(minLat, lon, maxLat, lon)
		w := utils.HaversineMeters(lat, minLon, lat, maxLon)
		elements = append(elements, Element{
			ID:     fmt.Sprintf("osm-w%d", way.ID),
			Lat:    lat,
			Lon:    lon,
			Tags:   way.Tags,
			AreaM2: h * w,
		})
	}
	return elements
}

// classify maps OSM tags to a zone category and its default capacity.
// ok is false for elements that should not become zones.
func classify(tags map[string]string) (domain.Category, int, bool) {
	name := strings.ToLower(tags["name"] + " " + tags["name:en"])
	switch {
	case strings.Contains(name, "ghat") || tags["leisure"] == "bathing_place":
		return domain.CategoryGhat, 2000, true
	case tags["amenity"] == "place_of_worship":
		return domain.CategoryTemple, 1000, true
	case tags["amenity"] == "hospital":
		return domain.CategoryMedical, 200, true
	case tags["amenity"] == "clinic", tags["amenity"] == "police", tags["amenity"] == "fire_station":
		return domain.CategoryMedical, 50, true
	case tags["amenity"] == "parking":
		return domain.CategoryParking, 50, true
	case tags["tourism"] == "camp_site":
		return domain.CategoryCamp, 1500, true
	case tags["tourism"] == "attraction":
		return domain.CategoryOther, 500, true
	}
	return "", 0, false
}

// crowdDensity is the planning density for open ground, persons per m².
const crowdDensity = 2.0

func capacity(e Element, fallback int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(e.Tags["capacity"])); err == nil && v > 0 {
		return v
	}
	if e.AreaM2 > 0 {
		if c := int(e.AreaM2 * crowdDensity); c > fallback {
			return c
		}
	}
	return fallback
}

func access(tags map[string]string) []string {
	var flags []string
	if tags["wheelchair"] == "yes" {
		flags = append(flags, "wheelchair", "step_free")
	}
	if tags["lit"] == "yes" {
		flags = append(flags, "lit")
	}
	return flags
}

func safety(cat domain.Category) *float64 {
	v := 0.5
	switch cat {
	case domain.CategoryMedical:
		v = 0.9
	case domain.CategoryParking, domain.CategoryCamp:
		v = 0.7
	case domain.CategoryGhat:
		v = 0.3
	}
	return &v
}

// Build turns elements into a topology file. Every zone is linked to its
// nearest neighbors within radiusM; a zone with none in range is linked to
// its single nearest zone so the import never produces an isolated point.
func Build(venue string, elements []Element, radiusM float64, neighbors int) *zonegraph.TopologyFile {
	tf := &zonegraph.TopologyFile{Venue: venue}
	for _, e := range elements {
		cat, fallback, ok := classify(e.Tags)
		if !ok {
			continue
		}
		name := e.Tags["name:en"]
		if name == "" {
			name = e.Tags["name"]
		}
		if name == "" {
			name = fmt.Sprintf("%s %s", cat, e.ID)
		}
		tf.Zones = append(tf.Zones, zonegraph.ZoneDef{
			ID:       e.ID,
			Name:     name,
			Category: string(cat),
			Capacity: capacity(e, fallback),
			Lat:      e.Lat,
			Lon:      e.Lon,
			Access:   access(e.Tags),
			Safety:   safety(cat),
		})
	}
	sort.Slice(tf.Zones, func(a, b int) bool { return tf.Zones[a].ID < tf.Zones[b].ID })

	type pair struct{ a, b int }
	seen := make(map[pair]bool)
	link := func(i, j int) {
		if i > j {
			i, j = j, i
		}
		p := pair{i, j}
		if seen[p] {
			return
		}
		seen[p] = true
		a, b := tf.Zones[i], tf.Zones[j]
		tf.Segments = append(tf.Segments, zonegraph.SegmentDef{
			ID:      a.ID + "--" + b.ID,
			A:       a.ID,
			B:       b.ID,
			LengthM: utils.RoundTo(utils.HaversineMeters(a.Lat, a.Lon, b.Lat, b.Lon), 1),
			Access:  shared(a.Access, b.Access),
		})
	}

	type near struct {
		idx  int
		dist float64
	}
	for i, z := range tf.Zones {
		var cands []near
		for j, o := range tf.Zones {
			if i == j {
				continue
			}
			cands = append(cands, near{j, utils.HaversineMeters(z.Lat, z.Lon, o.Lat, o.Lon)})
		}
		if len(cands) == 0 {
			continue
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].dist != cands[b].dist {
				return cands[a].dist < cands[b].dist
			}
			return cands[a].idx < cands[b].idx
		})
		linked := 0
		for _, c := range cands {
			if linked == neighbors || c.dist > radiusM {
				break
			}
			link(i, c.idx)
			linked++
		}
		if linked == 0 {
			link(i, cands[0].idx)
		}
	}
	sort.Slice(tf.Segments, func(a, b int) bool { return tf.Segments[a].ID < tf.Segments[b].ID })
	return tf
}

func shared(a, b []string) []string {
	var out []string
	for _, f := range a {
		for _, g := range b {
			if f == g {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
