// Package retention enforces TTL and capacity limits over the entry store.
//
// A sweep works on a store snapshot, never holding the store lock across a
// pass: hard-expire everything past its expires_at, then, while still over
// capacity, evict the lowest eviction_score entries in bounded batches.
// eviction_score = importance * recency_weight(accessed_at), where the
// recency weight halves per configured half-life down to a floor, so stale
// low-importance entries go first. Entries at or above the pinned threshold
// are never auto-evicted; only an explicit Invalidate removes them.
package retention

import (
	"context"
	"log"
	"math"
	"sort"
	"time"

	"github.com/coherentops/agentmem/audit"
	"github.com/coherentops/agentmem/core"
	"github.com/coherentops/agentmem/index"
	"github.com/coherentops/agentmem/store"
)

// SystemAgent is the agent ID stamped on retention-initiated audit records.
const SystemAgent = "retention"

// Config holds retention configuration.
type Config struct {
	// Capacity is the max number of active entries. Zero means unlimited
	// (TTL expiry still runs).
	Capacity int `yaml:"capacity"`

	// PinnedThreshold exempts entries with importance at or above it from
	// automatic eviction.
	PinnedThreshold float64 `yaml:"pinned_threshold"`

	// Interval is the background sweep period.
	Interval time.Duration `yaml:"interval"`

	// BatchSize bounds evictions per batch within one sweep.
	BatchSize int `yaml:"batch_size"`

	// HalfLife is the recency decay half-life: an entry untouched for one
	// half-life weighs half as much toward retention.
	HalfLife time.Duration `yaml:"half_life"`

	// RecencyFloor keeps long-untouched entries from decaying to zero, so
	// importance always retains some say.
	RecencyFloor float64 `yaml:"recency_floor"`

	// Clock supplies the current time. Tests inject a fake one.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the standard retention policy.
func DefaultConfig() *Config {
	return &Config{
		PinnedThreshold: 0.95,
		Interval:        time.Minute,
		BatchSize:       64,
		HalfLife:        90 * 24 * time.Hour,
		RecencyFloor:    0.1,
	}
}

// Report summarizes one sweep.
type Report struct {
	Expired     int `json:"expired"`
	Evicted     int `json:"evicted"`
	ActiveAfter int `json:"active_after"`
}

// Engine runs retention sweeps.
type Engine struct {
	store *store.Store
	index *index.Index
	audit *audit.Auditor
	cfg   *Config
	clock func() time.Time
}

// New creates a retention engine. Index and auditor may be nil.
func New(st *store.Store, idx *index.Index, aud *audit.Auditor, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{store: st, index: idx, audit: aud, cfg: cfg, clock: cfg.Clock}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e
}

// Run sweeps periodically until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if report, err := e.Sweep(ctx); err != nil {
				log.Printf("[RETAIN] Sweep failed: %v", err)
			} else if report.Expired+report.Evicted > 0 {
				log.Printf("[RETAIN] Sweep expired=%d evicted=%d active=%d",
					report.Expired, report.Evicted, report.ActiveAfter)
			}
		}
	}
}

// Sweep runs one expiry + eviction pass and reports what it removed.
func (e *Engine) Sweep(ctx context.Context) (*Report, error) {
	now := e.clock()
	snapshot := e.store.Snapshot()
	report := &Report{}

	var live []*core.Entry
	for _, entry := range snapshot {
		if entry.State != core.StateActive {
			continue
		}
		if entry.IsExpired(now) {
			if e.store.MarkExpired(entry.Scope, entry.Key) {
				report.Expired++
				e.dropFromIndex(ctx, entry)
				e.recordRemoval(ctx, entry.ID, "expired")
			}
			continue
		}
		live = append(live, entry)
	}

	if e.cfg.Capacity > 0 && len(live) > e.cfg.Capacity {
		report.Evicted = e.evict(ctx, live, len(live)-e.cfg.Capacity, now)
	}

	report.ActiveAfter = e.store.ActiveCount()
	return report, nil
}

// evict removes up to want entries, lowest eviction score first, in batches.
func (e *Engine) evict(ctx context.Context, live []*core.Entry, want int, now time.Time) int {
	candidates := make([]*core.Entry, 0, len(live))
	for _, entry := range live {
		if entry.Importance >= e.cfg.PinnedThreshold {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return e.Score(candidates[i], now) < e.Score(candidates[j], now)
	})

	batch := e.cfg.BatchSize
	if batch <= 0 {
		batch = DefaultConfig().BatchSize
	}

	evicted := 0
	for evicted < want && len(candidates) > 0 {
		n := batch
		if n > want-evicted {
			n = want - evicted
		}
		if n > len(candidates) {
			n = len(candidates)
		}
		for _, entry := range candidates[:n] {
			if err := e.store.Invalidate(ctx, entry.Scope, entry.Key); err != nil {
				// Raced with a foreground write; the snapshot is stale for
				// this identity, skip it.
				continue
			}
			e.dropFromIndex(ctx, entry)
			e.recordRemoval(ctx, entry.ID, "eviction")
			evicted++
		}
		candidates = candidates[n:]
	}
	return evicted
}

// Score computes the eviction score: lower scores are evicted first.
func (e *Engine) Score(entry *core.Entry, now time.Time) float64 {
	return entry.Importance * e.recencyWeight(now.Sub(entry.AccessedAt))
}

func (e *Engine) recencyWeight(age time.Duration) float64 {
	halfLife := e.cfg.HalfLife
	if halfLife <= 0 {
		halfLife = DefaultConfig().HalfLife
	}
	if age <= 0 {
		return 1
	}
	w := math.Exp2(-float64(age) / float64(halfLife))
	if floor := e.cfg.RecencyFloor; w < floor {
		return floor
	}
	return w
}

func (e *Engine) dropFromIndex(ctx context.Context, entry *core.Entry) {
	if e.index == nil || len(entry.Embedding) == 0 {
		return
	}
	if err := e.index.Remove(ctx, entry.ID, entry.ModelNamespace); err != nil {
		log.Printf("[RETAIN] Index remove failed for %s: %v", entry.ID, err)
	}
}

func (e *Engine) recordRemoval(ctx context.Context, memoryID, reason string) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, core.AccessRecord{
		MemoryID: memoryID,
		AgentID:  SystemAgent,
		Type:     core.AccessInvalidate,
		Reason:   reason,
		Success:  true,
	})
}
