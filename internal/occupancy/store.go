package occupancy

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/pkg/utils"
)

// DefaultEstimateConfidence is used for estimated updates that carry none.
const DefaultEstimateConfidence = 0.6

// Policy controls confidence decay of records that stop receiving updates.
type Policy struct {
	StaleAfter    time.Duration // W: full confidence until this age
	DecaySpan     time.Duration // time to fall from base confidence to Floor
	Floor         float64
	EstimateAfter time.Duration // age at which a measured record is relabeled estimated
}

// DefaultPolicy decays after 10 minutes to 0.2 over 20 minutes and
// relabels after 30 minutes.
func DefaultPolicy() Policy {
	return Policy{
		StaleAfter:    10 * time.Minute,
		DecaySpan:     20 * time.Minute,
		Floor:         0.2,
		EstimateAfter: 30 * time.Minute,
	}
}

// Confidence returns base confidence decayed for a record of the given age.
func (p Policy) Confidence(base float64, age time.Duration) float64 {
	if age <= p.StaleAfter || base <= p.Floor {
		return base
	}
	frac := 1.0
	if p.DecaySpan > 0 {
		frac = math.Min(1, float64(age-p.StaleAfter)/float64(p.DecaySpan))
	}
	return utils.Lerp(base, p.Floor, frac)
}

// Snapshot is an immutable point-in-time view of every zone's record.
type Snapshot struct {
	seq        uint64
	takenAt    time.Time
	records    map[string]domain.OccupancyRecord
	base       map[string]float64 // confidence at write time, before decay
	capacities map[string]int
}

// Seq increases by one for every published snapshot.
func (s *Snapshot) Seq() uint64 { return s.seq }

// TakenAt is when the snapshot was published.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Record returns a zone's record, if it has one.
func (s *Snapshot) Record(zoneID string) (domain.OccupancyRecord, bool) {
	r, ok := s.records[zoneID]
	return r, ok
}

// Level returns a zone's level; zones without a record are Low.
func (s *Snapshot) Level(zoneID string) domain.CrowdLevel {
	return s.records[zoneID].Level
}

// Ratio returns a zone's count/capacity; zones without a record are 0.
func (s *Snapshot) Ratio(zoneID string) float64 {
	return s.records[zoneID].Ratio()
}

// Known reports whether the zone is tracked by the store.
func (s *Snapshot) Known(zoneID string) bool {
	_, ok := s.capacities[zoneID]
	return ok
}

// ZoneIDs returns every tracked zone, sorted.
func (s *Snapshot) ZoneIDs() []string {
	ids := make([]string, 0, len(s.capacities))
	for id := range s.capacities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records returns every record sorted by zone id.
func (s *Snapshot) Records() []domain.OccupancyRecord {
	out := make([]domain.OccupancyRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out
}

func (s *Snapshot) clone() *Snapshot {
	n := &Snapshot{
		seq:        s.seq,
		records:    make(map[string]domain.OccupancyRecord, len(s.records)),
		base:       make(map[string]float64, len(s.base)),
		capacities: make(map[string]int, len(s.capacities)),
	}
	for k, v := range s.records {
		n.records[k] = v
	}
	for k, v := range s.base {
		n.base[k] = v
	}
	for k, v := range s.capacities {
		n.capacities[k] = v
	}
	return n
}

// Result is the outcome of one update in a batch.
type Result struct {
	Record domain.OccupancyRecord
	Err    error
}

// Store holds the live occupancy state. Writers are serialized by mu and
// publish a fresh snapshot; readers load the snapshot pointer lock-free.
type Store struct {
	mu        sync.Mutex
	snap      atomic.Pointer[Snapshot]
	policy    Policy
	listeners []func(domain.Diff)
	now       func() time.Time
}

// NewStore creates a store tracking the given zones.
func NewStore(zones []domain.Zone, policy Policy) *Store {
	s := &Store{policy: policy, now: time.Now}
	snap := &Snapshot{
		records:    make(map[string]domain.OccupancyRecord),
		base:       make(map[string]float64),
		capacities: make(map[string]int, len(zones)),
		takenAt:    s.now(),
	}
	for _, z := range zones {
		snap.capacities[z.ID] = z.Capacity
	}
	s.snap.Store(snap)
	return s
}

// Policy returns the decay policy.
func (s *Store) Policy() Policy { return s.policy }

// OnChange registers a listener called, under the write lock and in
// per-zone timestamp order, for every accepted change. Listeners must not
// block.
func (s *Store) OnChange(fn func(domain.Diff)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns the current consistent view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// ApplyUpdate applies a single reading. An update no newer than the stored
// record returns StaleData and leaves the record unchanged.
func (s *Store) ApplyUpdate(u domain.OccupancyUpdate) (domain.OccupancyRecord, error) {
	res := s.ApplyBatch([]domain.OccupancyUpdate{u})
	return res[0].Record, res[0].Err
}

// ApplyBatch applies updates in order and publishes them as one snapshot,
// so no reader observes part of a batch.
func (s *Store) ApplyBatch(updates []domain.OccupancyUpdate) []Result {
	results := make([]Result, len(updates))

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	next := cur.clone()
	var diffs []domain.Diff

	for i, u := range updates {
		rec, capacityEvent, err := s.apply(next, u)
		if err != nil {
			results[i].Err = err
			if existing, ok := next.records[u.ZoneID]; ok {
				results[i].Record = existing
			}
			continue
		}
		results[i].Record = rec
		r := rec
		diffs = append(diffs, domain.Diff{
			Topic:     domain.TopicOccupancy,
			Key:       rec.ZoneID,
			Timestamp: rec.Timestamp,
			Occupancy: &r,
			Capacity:  capacityEvent,
		})
	}

	if len(diffs) == 0 {
		return results
	}
	next.seq = cur.seq + 1
	next.takenAt = s.now()
	s.snap.Store(next)
	s.emit(diffs)
	return results
}

func (s *Store) apply(next *Snapshot, u domain.OccupancyUpdate) (domain.OccupancyRecord, bool, error) {
	if u.ZoneID == "" {
		return domain.OccupancyRecord{}, false, domain.NewError(domain.CodeInvalidInput, "zone id is required")
	}
	capacity, ok := next.capacities[u.ZoneID]
	if !ok {
		return domain.OccupancyRecord{}, false, domain.NewError(domain.CodeNotFound, fmt.Sprintf("unknown zone %q", u.ZoneID))
	}
	if u.Count < 0 {
		return domain.OccupancyRecord{}, false, domain.NewError(domain.CodeInvalidInput, "count must not be negative")
	}
	if u.Timestamp.IsZero() {
		return domain.OccupancyRecord{}, false, domain.NewError(domain.CodeInvalidInput, "timestamp is required")
	}
	source, err := domain.ParseSource(string(u.Source))
	if err != nil {
		return domain.OccupancyRecord{}, false, err
	}

	prev, had := next.records[u.ZoneID]
	if had && !u.Timestamp.After(prev.Timestamp) {
		log.Printf("occupancy: stale update for %s at %s (stored %s)",
			u.ZoneID, u.Timestamp.Format(time.RFC3339), prev.Timestamp.Format(time.RFC3339))
		return prev, false, domain.NewError(domain.CodeStaleData,
			fmt.Sprintf("update for %q is not newer than stored record", u.ZoneID))
	}

	conf := 1.0
	if source == domain.SourceEstimated {
		conf = DefaultEstimateConfidence
		if u.Confidence > 0 {
			conf = utils.Clamp(u.Confidence, 0, 1)
		}
	}

	prevLevel := domain.LevelLow
	trend := "stable"
	if had {
		prevLevel = prev.Level
		trend = Trend(prev.Count, u.Count)
	}

	rec := domain.OccupancyRecord{
		ZoneID:     u.ZoneID,
		Count:      u.Count,
		Capacity:   capacity,
		Level:      DeriveLevel(u.Count, capacity, prevLevel),
		Confidence: conf,
		Source:     source,
		Timestamp:  u.Timestamp,
		Trend:      trend,
	}
	next.records[u.ZoneID] = rec
	next.base[u.ZoneID] = conf

	reachedCritical := rec.Level == domain.LevelCritical && prevLevel != domain.LevelCritical
	if reachedCritical {
		log.Printf("occupancy: zone %s reached critical (%d/%d)", rec.ZoneID, rec.Count, rec.Capacity)
	}
	return rec, reachedCritical, nil
}

// Decay lowers the confidence of records that have not been updated
// recently and relabels very old measured records as estimated.
// It returns how many records changed.
func (s *Store) Decay(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	var next *Snapshot
	var diffs []domain.Diff

	for _, id := range sortedKeys(cur.records) {
		rec := cur.records[id]
		age := now.Sub(rec.Timestamp)
		conf := s.policy.Confidence(cur.base[id], age)
		source := rec.Source
		if source == domain.SourceMeasured && age > s.policy.EstimateAfter {
			source = domain.SourceEstimated
		}
		if source == rec.Source && math.Abs(conf-rec.Confidence) < 0.01 {
			continue
		}
		if next == nil {
			next = cur.clone()
		}
		relabeled := source != rec.Source
		rec.Confidence = utils.RoundTo(conf, 3)
		rec.Source = source
		next.records[id] = rec
		if relabeled {
			log.Printf("occupancy: zone %s has no measurement for %s, marked estimated", id, age.Round(time.Second))
		}
		if relabeled || math.Abs(conf-cur.records[id].Confidence) >= 0.05 {
			r := rec
			diffs = append(diffs, domain.Diff{
				Topic:     domain.TopicOccupancy,
				Key:       id,
				Timestamp: rec.Timestamp,
				Occupancy: &r,
			})
		}
	}

	if next == nil {
		return 0
	}
	changed := 0
	for id, rec := range next.records {
		if cur.records[id] != rec {
			changed++
		}
	}
	next.seq = cur.seq + 1
	next.takenAt = s.now()
	s.snap.Store(next)
	s.emit(diffs)
	return changed
}

// SyncZones aligns the tracked zone set with a reloaded topology: new zones
// are added without a record, removed zones are dropped, and capacity
// changes re-derive the level.
func (s *Store) SyncZones(zones []domain.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	next := cur.clone()
	next.capacities = make(map[string]int, len(zones))
	for _, z := range zones {
		next.capacities[z.ID] = z.Capacity
	}
	for id, rec := range next.records {
		capacity, ok := next.capacities[id]
		if !ok {
			delete(next.records, id)
			delete(next.base, id)
			continue
		}
		if capacity != rec.Capacity {
			rec.Capacity = capacity
			rec.Level = DeriveLevel(rec.Count, capacity, rec.Level)
			next.records[id] = rec
		}
	}
	next.seq = cur.seq + 1
	next.takenAt = s.now()
	s.snap.Store(next)
}

func (s *Store) emit(diffs []domain.Diff) {
	for _, d := range diffs {
		for _, fn := range s.listeners {
			fn(d)
		}
	}
}

func sortedKeys(m map[string]domain.OccupancyRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
