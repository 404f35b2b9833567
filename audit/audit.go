// Package audit records every read and write against the store in an
// append-only log and recomputes importance from observed access patterns.
package audit

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/coherentops/agentmem/core"
)

// Toucher is the store-side hook for the convenience fields accessed_at and
// access_count. Touch failures are logged, never propagated: the log entry
// is authoritative, the entry fields are best-effort.
type Toucher interface {
	Touch(memoryID string) error
}

// Config holds Auditor configuration.
type Config struct {
	// MaxRecords bounds the in-memory log; the oldest records are dropped
	// past the limit. This is the log's own retention policy, separate from
	// entry retention. <= 0 keeps everything.
	MaxRecords int `yaml:"max_records"`

	// Clock supplies the current time. Tests inject a fake one.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns a bounded single-node audit configuration.
func DefaultConfig() *Config {
	return &Config{MaxRecords: 100_000}
}

type memoryStats struct {
	count  int64
	agents map[string]struct{}
}

// Auditor is the append-only access log.
type Auditor struct {
	mu      sync.Mutex
	records []core.AccessRecord
	stats   map[string]*memoryStats
	store   Toucher
	cfg     *Config
	clock   func() time.Time
}

// New creates an Auditor. The toucher may be nil when entry bookkeeping is
// not wanted (e.g. replaying a foreign log).
func New(store Toucher, cfg *Config) *Auditor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	a := &Auditor{
		stats: make(map[string]*memoryStats),
		store: store,
		cfg:   cfg,
		clock: cfg.Clock,
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	return a
}

// RecordAccess appends a successful access and best-effort touches the entry.
func (a *Auditor) RecordAccess(ctx context.Context, memoryID, agentID string, accessType core.AccessType) {
	a.Record(ctx, core.AccessRecord{
		MemoryID: memoryID,
		AgentID:  agentID,
		Type:     accessType,
		Success:  true,
	})
}

// Record appends an arbitrary access record. The timestamp is assigned here;
// a zero MemoryID (failed create, unknown identity) is kept in the log but
// never touches an entry.
func (a *Auditor) Record(ctx context.Context, rec core.AccessRecord) {
	rec.At = a.clock()

	a.mu.Lock()
	a.records = append(a.records, rec)
	if max := a.cfg.MaxRecords; max > 0 && len(a.records) > max {
		a.records = append([]core.AccessRecord(nil), a.records[len(a.records)-max:]...)
	}
	if rec.Success && rec.MemoryID != "" {
		st := a.stats[rec.MemoryID]
		if st == nil {
			st = &memoryStats{agents: make(map[string]struct{})}
			a.stats[rec.MemoryID] = st
		}
		st.count++
		if rec.AgentID != "" {
			st.agents[rec.AgentID] = struct{}{}
		}
	}
	a.mu.Unlock()

	if a.store != nil && rec.Success && rec.MemoryID != "" && rec.Type != core.AccessInvalidate {
		if err := a.store.Touch(rec.MemoryID); err != nil {
			log.Printf("[AUDIT] Touch failed for %s: %v", rec.MemoryID, err)
		}
	}
}

// Records returns a copy of the log entries for one memory ID, or the whole
// log when memoryID is empty.
func (a *Auditor) Records(memoryID string) []core.AccessRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	if memoryID == "" {
		return append([]core.AccessRecord(nil), a.records...)
	}
	var out []core.AccessRecord
	for _, rec := range a.records {
		if rec.MemoryID == memoryID {
			out = append(out, rec)
		}
	}
	return out
}

// ComputeImportance derives a [0,1] score from access frequency and
// distinct-agent diversity. Consumed by the external job that periodically
// rewrites importance_score; the auditor itself never mutates entries.
//
// Both components saturate: frequency dominates early, cross-agent reach
// lifts entries that several agents depend on.
func (a *Auditor) ComputeImportance(memoryID string) float64 {
	a.mu.Lock()
	st := a.stats[memoryID]
	var count, agents float64
	if st != nil {
		count = float64(st.count)
		agents = float64(len(st.agents))
	}
	a.mu.Unlock()

	if count == 0 {
		return 0
	}
	frequency := count / (count + 10)
	diversity := agents / (agents + 2)
	return math.Min(1, 0.7*frequency+0.3*diversity)
}
