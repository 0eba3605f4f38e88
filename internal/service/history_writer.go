package service

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartcity/crowdnav/internal/domain"
)

const (
	defaultHistoryBuffer = 1024
	historyWriteTimeout  = 5 * time.Second
)

// historyJob is one queued write.
type historyJob func(ctx context.Context, repo HistoryRepository) error

// HistoryWriter persists history off the hot path. Writes are queued and
// applied by one goroutine in order; when the queue is full the write is
// dropped and logged rather than blocking ingestion.
type HistoryWriter struct {
	repo    HistoryRepository
	jobs    chan historyJob
	dropped atomic.Int64

	mu     sync.RWMutex // guards closed against sends on a closed queue
	closed bool
	wg     sync.WaitGroup // tracks the writer goroutine for graceful shutdown
}

// NewHistoryWriter starts a writer. A nil repo discards everything.
func NewHistoryWriter(repo HistoryRepository, buffer int) *HistoryWriter {
	if buffer <= 0 {
		buffer = defaultHistoryBuffer
	}
	w := &HistoryWriter{repo: repo}
	if repo == nil {
		return w
	}
	w.jobs = make(chan historyJob, buffer)
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *HistoryWriter) run() {
	defer w.wg.Done()
	for job := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		if err := job(ctx, w.repo); err != nil {
			log.Printf("history: write failed: %v", err)
		}
		cancel()
	}
}

func (w *HistoryWriter) enqueue(kind string, job historyJob) {
	if w.jobs == nil {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.jobs <- job:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("history: queue full, dropped %s write (%d dropped so far)", kind, n)
		}
	}
}

// Occupancy queues an accepted occupancy record.
func (w *HistoryWriter) Occupancy(rec domain.OccupancyRecord) {
	w.enqueue("occupancy", func(ctx context.Context, repo HistoryRepository) error {
		return repo.SaveOccupancy(ctx, rec)
	})
}

// Transition queues an emergency status change.
func (w *HistoryWriter) Transition(e domain.Emergency, change domain.StatusChange) {
	w.enqueue("emergency", func(ctx context.Context, repo HistoryRepository) error {
		return repo.SaveEmergencyTransition(ctx, e, change)
	})
}

// Weather queues a weather snapshot.
func (w *HistoryWriter) Weather(ws domain.WeatherSnapshot) {
	w.enqueue("weather", func(ctx context.Context, repo HistoryRepository) error {
		return repo.SaveWeather(ctx, ws)
	})
}

// Dropped returns how many writes were lost to a full queue.
func (w *HistoryWriter) Dropped() int64 { return w.dropped.Load() }

// Close stops accepting writes and blocks until queued ones are applied.
// Call during graceful shutdown to avoid dropped writes.
func (w *HistoryWriter) Close() {
	w.mu.Lock()
	if !w.closed && w.jobs != nil {
		close(w.jobs)
	}
	w.closed = true
	w.mu.Unlock()
	w.wg.Wait()
}
