package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
)

var t0 = time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)

// quietConfig keeps timers out of the way so tests drive intervals by hand.
func quietConfig() Config {
	return Config{FlushInterval: time.Hour, ResyncInterval: time.Hour, MissedIntervals: 2}
}

func occ(zone string, count int, at time.Time) domain.Diff {
	return domain.Diff{
		Topic:     domain.TopicOccupancy,
		Key:       zone,
		Timestamp: at,
		Occupancy: &domain.OccupancyRecord{ZoneID: zone, Count: count, Timestamp: at},
	}
}

func staticSnapshot(ds ...domain.Diff) SnapshotFunc {
	return func([]domain.Topic) []domain.Diff { return ds }
}

func recv(t *testing.T, s *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-s.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return Message{}
}

func expectNothing(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case m := <-s.C():
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFirstMessageIsResync(t *testing.T) {
	b := New(quietConfig(), staticSnapshot(occ("ghat", 10, t0)))
	defer b.Close()
	s := b.Subscribe([]domain.Topic{domain.TopicOccupancy})

	m := recv(t, s)
	if m.Kind != KindResync || len(m.Snapshot) != 1 || m.Seq != 1 {
		t.Fatalf("expected initial resync with one entry, got %+v", m)
	}
	s.Ack(m.Seq)

	b.Publish(occ("ghat", 20, t0.Add(time.Second)))
	m = recv(t, s)
	if m.Kind != KindDiffs || len(m.Diffs) != 1 || m.Diffs[0].Occupancy.Count != 20 {
		t.Fatalf("expected one diff, got %+v", m)
	}
}

func TestLaggingSubscriberGetsResync(t *testing.T) {
	b := New(quietConfig(), staticSnapshot(occ("a", 3, t0.Add(3*time.Second)), occ("b", 2, t0.Add(2*time.Second))))
	defer b.Close()
	s := b.Subscribe([]domain.Topic{domain.TopicOccupancy})
	s.Ack(recv(t, s).Seq)

	b.Publish(occ("a", 1, t0.Add(time.Second)))
	first := recv(t, s)
	if first.Kind != KindDiffs {
		t.Fatalf("expected diffs, got %s", first.Kind)
	}
	// Not acknowledged: later diffs coalesce per zone.
	b.Publish(occ("a", 2, t0.Add(2*time.Second)))
	b.Publish(occ("b", 2, t0.Add(2*time.Second)))
	b.Publish(occ("a", 3, t0.Add(3*time.Second)))
	expectNothing(t, s)
	if n := s.Pending(); n != 2 {
		t.Fatalf("expected 2 coalesced keys, got %d", n)
	}

	s.flush(true)
	s.flush(true)
	if n := s.Pending(); n != 0 {
		t.Fatalf("lagging subscriber should drop pending diffs, got %d", n)
	}

	// Memory stays flat however long the subscriber lags.
	for i := 0; i < 1000; i++ {
		b.Publish(occ(fmt.Sprintf("z%d", i%7), i, t0.Add(time.Duration(10+i)*time.Second)))
		if i%100 == 0 {
			s.flush(true)
		}
	}
	if n := s.Pending(); n != 0 {
		t.Fatalf("expected no pending state while lagging, got %d", n)
	}

	s.Ack(first.Seq)
	m := recv(t, s)
	if m.Kind != KindResync || len(m.Snapshot) != 2 {
		t.Fatalf("expected full resync after lag, got %+v", m)
	}
	s.Ack(m.Seq)

	// Back to incremental delivery.
	b.Publish(occ("b", 5, t0.Add(time.Hour)))
	if m := recv(t, s); m.Kind != KindDiffs || len(m.Diffs) != 1 {
		t.Fatalf("expected diffs after resync, got %+v", m)
	}
}

func TestPerKeyOrderIsPreserved(t *testing.T) {
	b := New(quietConfig(), nil)
	defer b.Close()
	s := b.Subscribe([]domain.Topic{domain.TopicOccupancy})
	s.Ack(recv(t, s).Seq)

	b.Publish(occ("a", 1, t0.Add(5*time.Second)))
	m := recv(t, s)
	// Hold the ack so the next diffs pile up.
	b.Publish(occ("a", 2, t0.Add(7*time.Second)))
	b.Publish(occ("a", 0, t0.Add(6*time.Second)))
	b.Publish(occ("b", 9, t0.Add(6*time.Second)))
	s.Ack(m.Seq)

	m = recv(t, s)
	if len(m.Diffs) != 2 {
		t.Fatalf("expected 2 diffs, got %d", len(m.Diffs))
	}
	for _, d := range m.Diffs {
		if d.Key == "a" && d.Occupancy.Count != 2 {
			t.Errorf("older diff replaced newer for zone a: %+v", d.Occupancy)
		}
	}
	if m.Diffs[0].Key != "b" {
		t.Errorf("expected delivery in timestamp order, got %s first", m.Diffs[0].Key)
	}
	s.Ack(m.Seq)

	// Anything older than what was delivered is dropped.
	b.Publish(occ("a", 7, t0.Add(time.Second)))
	expectNothing(t, s)
}

func TestSlowSubscriberDoesNotBlockProducers(t *testing.T) {
	b := New(quietConfig(), nil)
	defer b.Close()
	slow := b.Subscribe([]domain.Topic{domain.TopicOccupancy})
	fast := b.Subscribe([]domain.Topic{domain.TopicOccupancy})
	fast.Ack(recv(t, fast).Seq)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish(occ(fmt.Sprintf("z%d", i%20), i, t0.Add(time.Duration(i)*time.Millisecond)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishing blocked on a slow subscriber")
	}
	if n := slow.Pending(); n > 20 {
		t.Errorf("pending state should be bounded by keys, got %d", n)
	}

	// The fast subscriber still makes progress.
	m := recv(t, fast)
	if m.Kind != KindDiffs || len(m.Diffs) == 0 {
		t.Errorf("expected diffs for the fast subscriber, got %+v", m)
	}
}

func TestTopicsFilterAndClose(t *testing.T) {
	b := New(quietConfig(), nil)
	s := b.Subscribe([]domain.Topic{domain.TopicEmergency})
	s.Ack(recv(t, s).Seq)

	b.Publish(occ("a", 1, t0))
	expectNothing(t, s)

	b.Publish(domain.Diff{Topic: domain.TopicEmergency, Key: "e1", Timestamp: t0})
	if m := recv(t, s); len(m.Diffs) != 1 || m.Diffs[0].Key != "e1" {
		t.Fatalf("expected the emergency diff, got %+v", m)
	}

	if b.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers())
	}
	s.Close()
	s.Close()
	if b.Subscribers() != 0 {
		t.Errorf("expected subscriber removed, got %d", b.Subscribers())
	}
	b.Close()
	if _, ok := <-s.C(); ok {
		t.Error("expected channel closed after Close")
	}

	late := b.Subscribe([]domain.Topic{domain.TopicOccupancy})
	if _, ok := <-late.C(); ok {
		t.Error("subscribing to a closed broadcaster should yield a closed channel")
	}
}
