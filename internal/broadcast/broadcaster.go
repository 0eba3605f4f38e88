// Package broadcast fans state diffs out to subscribers. Producers never
// block: each subscriber keeps only the latest pending diff per key and is
// resynced with full state when it falls behind.
package broadcast

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcity/crowdnav/internal/domain"
)

// Config controls delivery timing.
type Config struct {
	// FlushInterval is the broadcast interval used to count missed acks
	FlushInterval time.Duration `env:"BROADCAST_FLUSH_INTERVAL" envDefault:"1s"`
	// ResyncInterval forces a full resync regardless of traffic
	ResyncInterval time.Duration `env:"BROADCAST_RESYNC_INTERVAL" envDefault:"30s"`
	// MissedIntervals without an ack mark a subscriber as lagging
	MissedIntervals int `env:"BROADCAST_MISSED_INTERVALS" envDefault:"2"`
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:   time.Second,
		ResyncInterval:  30 * time.Second,
		MissedIntervals: 2,
	}
}

// SnapshotFunc returns the full current state for the given topics as
// diffs, one per key.
type SnapshotFunc func(topics []domain.Topic) []domain.Diff

// Kind tells a subscriber how to apply a message.
type Kind int

const (
	// KindDiffs carries incremental changes
	KindDiffs Kind = iota
	// KindResync replaces all state the subscriber holds
	KindResync
)

func (k Kind) String() string {
	if k == KindResync {
		return "resync"
	}
	return "diffs"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Message is one delivery. Subscribers acknowledge it by Seq.
type Message struct {
	Seq      uint64        `json:"seq"`
	Kind     Kind          `json:"kind"`
	Diffs    []domain.Diff `json:"diffs,omitempty"`
	Snapshot []domain.Diff `json:"snapshot,omitempty"`
	At       time.Time     `json:"at"`
}

// Broadcaster is safe for concurrent use.
type Broadcaster struct {
	cfg      Config
	snapshot SnapshotFunc

	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
	wg     sync.WaitGroup
}

// New creates a broadcaster. snapshot supplies resync state.
func New(cfg Config, snapshot SnapshotFunc) *Broadcaster {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = def.ResyncInterval
	}
	if cfg.MissedIntervals <= 0 {
		cfg.MissedIntervals = def.MissedIntervals
	}
	return &Broadcaster{cfg: cfg, snapshot: snapshot, subs: make(map[uuid.UUID]*Subscription)}
}

// Publish offers a diff to every interested subscriber. It never blocks.
func (b *Broadcaster) Publish(d domain.Diff) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.topics[d.Topic] {
			s.offer(d)
		}
	}
}

// Subscribe registers a subscriber for the given topics. The first message
// is always a resync.
func (b *Broadcaster) Subscribe(topics []domain.Topic) *Subscription {
	s := &Subscription{
		ID:        uuid.New(),
		b:         b,
		topics:    make(map[domain.Topic]bool, len(topics)),
		pending:   make(map[key]domain.Diff),
		delivered: make(map[key]time.Time),
		wake:      make(chan struct{}, 1),
		out:       make(chan Message, 1),
		done:      make(chan struct{}),
		resync:    true,
	}
	for _, t := range topics {
		s.topics[t] = true
		s.topicList = append(s.topicList, t)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closeOnce.Do(func() { close(s.done) })
		close(s.out)
		return s
	}
	b.subs[s.ID] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go s.loop()
	s.poke()
	log.Printf("broadcast: subscriber %s joined for %v", s.ID, topics)
	return s
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription and waits for delivery loops to exit.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	b.wg.Wait()
}

func (b *Broadcaster) remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

type key struct {
	topic domain.Topic
	key   string
}

// Subscription is one subscriber's view of the stream.
type Subscription struct {
	ID uuid.UUID

	b         *Broadcaster
	topics    map[domain.Topic]bool
	topicList []domain.Topic

	mu        sync.Mutex
	pending   map[key]domain.Diff
	delivered map[key]time.Time
	seq       uint64 // last sent
	acked     uint64
	missed    int
	lagging   bool
	resync    bool

	wake      chan struct{}
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// C delivers messages. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message { return s.out }

// Ack acknowledges every message up to seq.
func (s *Subscription) Ack(seq uint64) {
	s.mu.Lock()
	if seq > s.acked && seq <= s.seq {
		s.acked = seq
		s.missed = 0
	}
	s.mu.Unlock()
	s.poke()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.b.remove(s.ID)
		close(s.done)
	})
}

// Pending returns how many keys are waiting for delivery.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// offer coalesces d into the pending set. Diffs older than what is pending
// or already delivered for the same key are dropped, so a key never moves
// backwards in time.
func (s *Subscription) offer(d domain.Diff) {
	k := key{d.Topic, d.Key}
	s.mu.Lock()
	if s.lagging {
		s.mu.Unlock()
		return
	}
	if last, ok := s.delivered[k]; ok && d.Timestamp.Before(last) {
		s.mu.Unlock()
		return
	}
	if cur, ok := s.pending[k]; ok && d.Timestamp.Before(cur.Timestamp) {
		s.mu.Unlock()
		return
	}
	s.pending[k] = d
	s.mu.Unlock()
	s.poke()
}

func (s *Subscription) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	defer s.b.wg.Done()
	defer close(s.out)

	flush := time.NewTicker(s.b.cfg.FlushInterval)
	defer flush.Stop()
	resync := time.NewTicker(s.b.cfg.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.flush(false)
		case <-flush.C:
			s.flush(true)
		case <-resync.C:
			s.mu.Lock()
			s.resync = true
			s.mu.Unlock()
			s.flush(false)
		}
	}
}

// flush delivers pending state if the previous message was acknowledged.
// interval marks a broadcast interval boundary, used to detect lagging
// subscribers.
func (s *Subscription) flush(interval bool) {
	s.mu.Lock()
	waiting := s.seq > s.acked
	if interval && waiting {
		s.missed++
		if s.missed >= s.b.cfg.MissedIntervals && !s.lagging {
			s.lagging = true
			s.resync = true
			clear(s.pending)
			log.Printf("broadcast: subscriber %s missed %d intervals, resync scheduled", s.ID, s.missed)
		}
	}
	if waiting || (!s.resync && len(s.pending) == 0) {
		s.mu.Unlock()
		return
	}

	msg := Message{Kind: KindDiffs}
	if s.resync {
		msg.Kind = KindResync
		s.resync = false
		s.lagging = false
		s.missed = 0
		clear(s.pending)
	} else {
		msg.Diffs = make([]domain.Diff, 0, len(s.pending))
		for k, d := range s.pending {
			msg.Diffs = append(msg.Diffs, d)
			s.delivered[k] = d.Timestamp
		}
		clear(s.pending)
		sortDiffs(msg.Diffs)
	}
	s.seq++
	msg.Seq = s.seq
	s.mu.Unlock()

	if msg.Kind == KindResync {
		// Taken outside the lock: the snapshot source may itself publish.
		if s.b.snapshot != nil {
			msg.Snapshot = s.b.snapshot(s.topicList)
		}
		s.mu.Lock()
		for _, d := range msg.Snapshot {
			k := key{d.Topic, d.Key}
			if d.Timestamp.After(s.delivered[k]) {
				s.delivered[k] = d.Timestamp
			}
			if p, ok := s.pending[k]; ok && p.Timestamp.Before(d.Timestamp) {
				delete(s.pending, k)
			}
		}
		s.mu.Unlock()
	}
	msg.At = time.Now()

	select {
	case s.out <- msg:
	default:
		// Outbox still full: give up on this message and resync instead.
		s.mu.Lock()
		s.seq = s.acked
		s.resync = true
		s.mu.Unlock()
	}
}

func sortDiffs(ds []domain.Diff) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].Timestamp.Equal(ds[j].Timestamp) {
			return ds[i].Timestamp.Before(ds[j].Timestamp)
		}
		if ds[i].Topic != ds[j].Topic {
			return ds[i].Topic < ds[j].Topic
		}
		return ds[i].Key < ds[j].Key
	})
}
