// Package index provides cosine similarity search over active memory
// entries, backed by chromem-go (a pure Go embedded vector database).
//
// The index is a derived structure: the entry store remains the source of
// truth. Rows for retired entries are filtered lazily at query time and
// physically removed on the next compaction pass, so a query may briefly
// return a stale hit but never omits a genuinely active, indexed entry.
// On corruption the whole index is rebuilt from a store snapshot.
package index

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/coherentops/agentmem/core"
)

// Source is the store-side lookup the index uses for active-checks and
// result hydration.
type Source interface {
	GetByID(id string) (*core.Entry, error)
}

// Embedder converts text to vectors. The index itself only consumes
// ready-made vectors; callers use an Embedder to produce them.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Config holds Index configuration.
type Config struct {
	// Namespaces pre-declares the fixed vector dimension per embedding
	// model namespace. Namespaces absent from the map adopt the dimension
	// of their first upserted vector.
	Namespaces map[string]int `yaml:"namespaces"`

	// MaxEntries caps the number of indexed vectors per namespace.
	// Zero means unlimited.
	MaxEntries int `yaml:"max_entries"`

	// Clock supplies the current time. Tests inject a fake one.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns an unbounded single-node index configuration.
func DefaultConfig() *Config {
	return &Config{}
}

// Match is one query result.
type Match struct {
	Entry      *core.Entry
	Similarity float32
}

// Filters narrows query results. Zero fields match everything.
type Filters struct {
	OwnerType     string
	OwnerID       string
	Tag           string
	MinImportance float64
}

// Index is the embedding similarity index.
type Index struct {
	mu     sync.Mutex
	db     *chromem.DB
	cols   map[string]*chromem.Collection
	dims   map[string]int
	ids    map[string]map[string]struct{} // namespace -> indexed entry IDs
	source Source
	cfg    *Config
	clock  func() time.Time
}

// New creates an Index reading active-state from the given source.
func New(source Source, cfg *Config) *Index {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	idx := &Index{
		db:     chromem.NewDB(),
		cols:   make(map[string]*chromem.Collection),
		dims:   make(map[string]int),
		ids:    make(map[string]map[string]struct{}),
		source: source,
		cfg:    cfg,
		clock:  cfg.Clock,
	}
	if idx.clock == nil {
		idx.clock = time.Now
	}
	for ns, dim := range cfg.Namespaces {
		idx.dims[ns] = dim
	}
	return idx
}

// Upsert inserts or replaces the vector for an entry in the namespace's
// collection. The first vector fixes an undeclared namespace's dimension;
// any later mismatch is rejected.
func (x *Index) Upsert(ctx context.Context, entryID string, vector []float32, namespace string) error {
	if namespace == "" {
		return fmt.Errorf("%w: empty model namespace", core.ErrInvalidScope)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", core.ErrDimensionMismatch)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.checkDimensionLocked(namespace, len(vector)); err != nil {
		return err
	}

	ids := x.ids[namespace]
	if ids == nil {
		ids = make(map[string]struct{})
		x.ids[namespace] = ids
	}
	if _, indexed := ids[entryID]; !indexed {
		if x.cfg.MaxEntries > 0 && len(ids) >= x.cfg.MaxEntries {
			return fmt.Errorf("%w: namespace %q at %d vectors", core.ErrCapacityExceeded, namespace, len(ids))
		}
	}

	col, err := x.collectionLocked(namespace)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        entryID,
		Embedding: vector,
	}
	if entry, err := x.source.GetByID(entryID); err == nil {
		doc.Content = string(entry.Value)
		doc.Metadata = map[string]string{
			"owner_type": entry.Scope.OwnerType,
			"owner_id":   entry.Scope.OwnerID,
			"key":        entry.Key,
		}
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	ids[entryID] = struct{}{}
	return nil
}

// Query returns the top-k active entries by cosine similarity. Ties break by
// importance descending, then updated_at descending.
func (x *Index) Query(ctx context.Context, vector []float32, k int, namespace string, filters *Filters) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	x.mu.Lock()
	col, ok := x.cols[namespace]
	want, known := x.dims[namespace]
	x.mu.Unlock()

	if !ok {
		return nil, nil
	}
	if known && len(vector) != want {
		return nil, fmt.Errorf("%w: namespace %q wants %d, query has %d", core.ErrDimensionMismatch, namespace, want, len(vector))
	}

	// Overfetch so lazily filtered dead rows do not starve the result set.
	n := k*2 + 8
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	// Filters are applied on the hydrated store rows, not pushed into
	// chromem: its where clause caps nResults at the filtered count, which
	// is unknowable up front.
	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}

	now := x.clock()
	matches := make([]Match, 0, len(results))
	for _, res := range results {
		entry, err := x.source.GetByID(res.ID)
		if err != nil || entry.State != core.StateActive || entry.IsExpired(now) {
			continue
		}
		if !matchesFilters(entry, filters) {
			continue
		}
		matches = append(matches, Match{Entry: entry.Clone(), Similarity: res.Similarity})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Entry.Importance != b.Entry.Importance {
			return a.Entry.Importance > b.Entry.Importance
		}
		return a.Entry.UpdatedAt.After(b.Entry.UpdatedAt)
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Remove deletes an entry's vector from a namespace. Unknown IDs are a no-op.
func (x *Index) Remove(ctx context.Context, entryID string, namespace string) error {
	x.mu.Lock()
	col, ok := x.cols[namespace]
	if ok {
		delete(x.ids[namespace], entryID)
	}
	x.mu.Unlock()

	if !ok {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, entryID); err != nil {
		return fmt.Errorf("index remove: %w", err)
	}
	return nil
}

// Compact physically removes vectors whose store rows are no longer active.
// Returns the number of vectors removed.
func (x *Index) Compact(ctx context.Context) (int, error) {
	x.mu.Lock()
	stale := make(map[string][]string)
	now := x.clock()
	for ns, ids := range x.ids {
		for id := range ids {
			entry, err := x.source.GetByID(id)
			if err != nil || entry.State != core.StateActive || entry.IsExpired(now) {
				stale[ns] = append(stale[ns], id)
			}
		}
	}
	x.mu.Unlock()

	removed := 0
	for ns, ids := range stale {
		for _, id := range ids {
			if err := x.Remove(ctx, id, ns); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[INDEX] Compaction removed %d stale vectors", removed)
	}
	return removed, nil
}

// Rebuild discards every collection and re-indexes the given store rows.
// The recovery path for index corruption: the store is the source of truth.
func (x *Index) Rebuild(ctx context.Context, entries []*core.Entry) error {
	x.mu.Lock()
	x.db = chromem.NewDB()
	x.cols = make(map[string]*chromem.Collection)
	x.ids = make(map[string]map[string]struct{})
	x.dims = make(map[string]int)
	for ns, dim := range x.cfg.Namespaces {
		x.dims[ns] = dim
	}
	now := x.clock()
	x.mu.Unlock()

	count := 0
	for _, entry := range entries {
		if entry.State != core.StateActive || entry.IsExpired(now) || len(entry.Embedding) == 0 {
			continue
		}
		if err := x.Upsert(ctx, entry.ID, entry.Embedding, entry.ModelNamespace); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
		count++
	}
	log.Printf("[INDEX] Rebuilt with %d vectors", count)
	return nil
}

// Size returns the number of indexed vectors in a namespace.
func (x *Index) Size(namespace string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.ids[namespace])
}

func (x *Index) checkDimensionLocked(namespace string, dim int) error {
	want, ok := x.dims[namespace]
	if !ok {
		x.dims[namespace] = dim
		return nil
	}
	if want != dim {
		return fmt.Errorf("%w: namespace %q fixed at %d, got %d", core.ErrDimensionMismatch, namespace, want, dim)
	}
	return nil
}

func (x *Index) collectionLocked(namespace string) (*chromem.Collection, error) {
	if col, ok := x.cols[namespace]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection("ns_"+namespace, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.cols[namespace] = col
	return col, nil
}

func matchesFilters(e *core.Entry, filters *Filters) bool {
	if filters == nil {
		return true
	}
	if filters.OwnerType != "" && e.Scope.OwnerType != filters.OwnerType {
		return false
	}
	if filters.OwnerID != "" && e.Scope.OwnerID != filters.OwnerID {
		return false
	}
	if filters.MinImportance > 0 && e.Importance < filters.MinImportance {
		return false
	}
	if filters.Tag != "" && !hasTag(e, filters.Tag) {
		return false
	}
	return true
}

func hasTag(e *core.Entry, tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
