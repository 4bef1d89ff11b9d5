package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	songcdn "github.com/wannadance/songcdn"
	"github.com/wannadance/songcdn/telemetry"
)

// sweeper runs periodic TTL and LRU eviction over the manager's Ready
// entries. Entries with active readers or an in-progress fill are never
// removed; they are retried on the next pass.
type sweeper struct {
	m   *Manager
	now func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	kickCh  chan struct{}
	doneCh  chan struct{}
}

func newSweeper(m *Manager) *sweeper {
	return &sweeper{
		m:      m,
		now:    time.Now,
		stopCh: make(chan struct{}),
		kickCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
}

func (s *sweeper) start() {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run()
}

func (s *sweeper) stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// kick requests a sweep soon, used after a fill completes so capacity
// pressure is relieved promptly instead of waiting for the next tick.
func (s *sweeper) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.m.sweepInterval)
	defer ticker.Stop()

	s.m.RunSweep()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kickCh:
			s.m.RunSweep()
		case <-ticker.C:
			s.m.RunSweep()
		}
	}
}

// SweepResult summarizes one eviction pass.
type SweepResult struct {
	TTLExpired int
	LRUEvicted int
	BytesFreed int64
	Skipped    int
	Errors     int
	Duration   time.Duration
}

// RunSweep performs a single eviction pass: a TTL phase removing entries
// idle longer than the configured TTL, then an LRU phase removing the
// least recently accessed entries until total size fits the capacity.
func (m *Manager) RunSweep() *SweepResult {
	start := m.sweeper.now()
	result := &SweepResult{}

	records, err := m.db.list()
	if err != nil {
		m.logger.Error("sweep failed to list index", "error", err)
		result.Errors++
		return result
	}

	if m.ttl > 0 {
		cutoff := start.Add(-m.ttl)
		remaining := records[:0]
		for _, rec := range records {
			if !rec.LastAccessed.Before(cutoff) {
				remaining = append(remaining, rec)
				continue
			}
			switch m.evict(rec) {
			case evictOK:
				result.TTLExpired++
				result.BytesFreed += rec.Size
			case evictSkipped:
				result.Skipped++
				remaining = append(remaining, rec)
			case evictFailed:
				result.Errors++
				remaining = append(remaining, rec)
			}
		}
		records = remaining
	}

	if m.capacity > 0 {
		var total int64
		for _, rec := range records {
			total += rec.Size
		}
		if total > m.capacity {
			sort.Slice(records, func(i, j int) bool {
				return records[i].LastAccessed.Before(records[j].LastAccessed)
			})
			for _, rec := range records {
				if total <= m.capacity {
					break
				}
				switch m.evict(rec) {
				case evictOK:
					result.LRUEvicted++
					result.BytesFreed += rec.Size
					total -= rec.Size
				case evictSkipped:
					result.Skipped++
				case evictFailed:
					result.Errors++
				}
			}
		}
	}

	result.Duration = m.sweeper.now().Sub(start)
	telemetry.RecordSweep(context.Background(), result.TTLExpired, result.LRUEvicted, result.BytesFreed, result.Duration)

	if result.TTLExpired > 0 || result.LRUEvicted > 0 {
		m.logger.Info("sweep complete",
			"ttl_expired", result.TTLExpired,
			"lru_evicted", result.LRUEvicted,
			"bytes_freed", result.BytesFreed,
			"skipped", result.Skipped,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("sweep complete, nothing to evict")
	}

	return result
}

type evictOutcome int

const (
	evictOK evictOutcome = iota
	evictSkipped
	evictFailed
)

// evict removes one Ready entry unless it is pinned by a reader or a
// concurrent fill. The index row goes first so no new reader can attach
// mid-removal.
func (m *Manager) evict(rec *entryRecord) evictOutcome {
	key, err := songcdn.ParseCacheKey(rec.Key)
	if err != nil {
		// Undecodable key: drop the row, leave the file for rehydrate.
		_ = m.db.delete(rec.Key)
		return evictFailed
	}

	m.mu.Lock()
	if m.readers[key] > 0 {
		m.mu.Unlock()
		m.logger.Debug("eviction skipped, entry in use", "key", rec.Key)
		return evictSkipped
	}
	if _, filling := m.fills[key]; filling {
		m.mu.Unlock()
		return evictSkipped
	}
	if err := m.db.delete(rec.Key); err != nil {
		m.mu.Unlock()
		m.logger.Warn("eviction failed to drop index row", "key", rec.Key, "error", err)
		return evictFailed
	}
	m.mu.Unlock()

	path := filepath.Join(m.root, filepath.FromSlash(rec.Name))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("eviction failed to remove file", "key", rec.Key, "error", err)
		return evictFailed
	}

	m.logger.Debug("evicted entry",
		"key", rec.Key,
		"size", rec.Size,
		"last_accessed", rec.LastAccessed,
	)
	return evictOK
}
