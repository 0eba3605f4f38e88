package zonegraph

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/pkg/utils"
)

// TopologyFile is the on-disk description of a venue.
type TopologyFile struct {
	Venue    string       `toml:"venue" json:"venue"`
	Zones    []ZoneDef    `toml:"zones" json:"zones"`
	Segments []SegmentDef `toml:"segments" json:"segments"`
}

type ZoneDef struct {
	ID        string       `toml:"id" json:"id"`
	Name      string       `toml:"name" json:"name"`
	Category  string       `toml:"category" json:"category"`
	Capacity  int          `toml:"capacity" json:"capacity"`
	Lat       float64      `toml:"lat" json:"lat"`
	Lon       float64      `toml:"lon" json:"lon"`
	Polygon   [][2]float64 `toml:"polygon,omitempty" json:"polygon,omitempty"`
	Access    []string     `toml:"access,omitempty" json:"access,omitempty"`
	Safety    *float64     `toml:"safety,omitempty" json:"safety,omitempty"`
	Amenities []string     `toml:"amenities,omitempty" json:"amenities,omitempty"`
}

type SegmentDef struct {
	ID            string   `toml:"id" json:"id"`
	A             string   `toml:"a" json:"a"`
	B             string   `toml:"b" json:"b"`
	TravelSeconds float64  `toml:"travel_seconds,omitempty" json:"travel_seconds,omitempty"`
	LengthM       float64  `toml:"length_m,omitempty" json:"length_m,omitempty"`
	WidthM        float64  `toml:"width_m,omitempty" json:"width_m,omitempty"`
	Access        []string `toml:"access,omitempty" json:"access,omitempty"`
}

const defaultSafety = 0.5

// LoadTopology reads a TOML topology file.
func LoadTopology(path string) (*TopologyFile, error) {
	var tf TopologyFile
	if _, err := toml.DecodeFile(path, &tf); err != nil {
		return nil, fmt.Errorf("zonegraph: decoding %s: %w", path, err)
	}
	return &tf, nil
}

// DecodeTopology reads TOML topology from r.
func DecodeTopology(r io.Reader) (*TopologyFile, error) {
	var tf TopologyFile
	if _, err := toml.NewDecoder(r).Decode(&tf); err != nil {
		return nil, domain.WrapError(domain.CodeInvalidInput, "zonegraph: decoding topology", err)
	}
	return &tf, nil
}

// EncodeTopology writes tf as TOML.
func EncodeTopology(w io.Writer, tf *TopologyFile) error {
	if err := toml.NewEncoder(w).Encode(tf); err != nil {
		return fmt.Errorf("zonegraph: encoding topology: %w", err)
	}
	return nil
}

// WriteTopologyFile writes tf to path, replacing any existing file.
func WriteTopologyFile(path string, tf *TopologyFile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("zonegraph: creating %s: %w", path, err)
	}
	if err := EncodeTopology(f, tf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Build converts the file into domain values. Segment travel time falls
// back to walking time over the segment length, and length falls back to
// the distance between zone centers.
func (tf *TopologyFile) Build() ([]domain.Zone, []domain.Segment, error) {
	zones := make([]domain.Zone, 0, len(tf.Zones))
	centers := make(map[string]domain.Point, len(tf.Zones))
	for _, zd := range tf.Zones {
		cat, err := domain.ParseCategory(zd.Category)
		if err != nil {
			return nil, nil, fmt.Errorf("zone %q: %w", zd.ID, err)
		}
		access, err := domain.ParseAccessibility(zd.Access)
		if err != nil {
			return nil, nil, fmt.Errorf("zone %q: %w", zd.ID, err)
		}
		safety := defaultSafety
		if zd.Safety != nil {
			safety = utils.Clamp(*zd.Safety, 0, 1)
		}
		z := domain.Zone{
			ID:        zd.ID,
			Name:      zd.Name,
			Category:  cat,
			Capacity:  zd.Capacity,
			Location:  domain.Point{Lat: zd.Lat, Lon: zd.Lon},
			Access:    access,
			Safety:    safety,
			Amenities: zd.Amenities,
		}
		for _, p := range zd.Polygon {
			z.Polygon = append(z.Polygon, domain.Point{Lat: p[0], Lon: p[1]})
		}
		zones = append(zones, z)
		centers[z.ID] = z.Location
	}

	segments := make([]domain.Segment, 0, len(tf.Segments))
	for _, sd := range tf.Segments {
		access, err := domain.ParseAccessibility(sd.Access)
		if err != nil {
			return nil, nil, fmt.Errorf("segment %q: %w", sd.ID, err)
		}
		length := sd.LengthM
		if length == 0 {
			a, okA := centers[sd.A]
			b, okB := centers[sd.B]
			if okA && okB {
				length = utils.HaversineMeters(a.Lat, a.Lon, b.Lat, b.Lon)
			}
		}
		travel := time.Duration(sd.TravelSeconds * float64(time.Second))
		if sd.TravelSeconds == 0 {
			travel = utils.WalkingTime(length)
		}
		segments = append(segments, domain.Segment{
			ID:             sd.ID,
			A:              sd.A,
			B:              sd.B,
			BaseTravelTime: travel,
			LengthM:        length,
			WidthM:         sd.WidthM,
			Access:         access,
		})
	}
	return zones, segments, nil
}

// FromGraph renders a graph back into file form.
func FromGraph(venue string, g *Graph) *TopologyFile {
	tf := &TopologyFile{Venue: venue}
	for _, z := range g.zones {
		safety := z.Safety
		zd := ZoneDef{
			ID:        z.ID,
			Name:      z.Name,
			Category:  string(z.Category),
			Capacity:  z.Capacity,
			Lat:       z.Location.Lat,
			Lon:       z.Location.Lon,
			Access:    z.Access.Flags(),
			Safety:    &safety,
			Amenities: z.Amenities,
		}
		for _, p := range z.Polygon {
			zd.Polygon = append(zd.Polygon, [2]float64{p.Lat, p.Lon})
		}
		tf.Zones = append(tf.Zones, zd)
	}
	for _, s := range g.segments {
		tf.Segments = append(tf.Segments, SegmentDef{
			ID:            s.ID,
			A:             s.A,
			B:             s.B,
			TravelSeconds: s.BaseTravelTime.Seconds(),
			LengthM:       s.LengthM,
			WidthM:        s.WidthM,
			Access:        s.Access.Flags(),
		})
	}
	return tf
}
