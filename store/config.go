package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/coherentops/agentmem/core"
)

// DefaultImportance is assigned to entries created without an explicit
// importance score.
const DefaultImportance = 0.5

// Config holds Store configuration.
type Config struct {
	// HistoryLimit bounds the number of retained versions per identity.
	// Oldest versions are dropped past the limit. <= 0 keeps everything.
	HistoryLimit int `yaml:"history_limit"`

	// CacheEnabled toggles the ristretto read cache on the Get path.
	CacheEnabled bool `yaml:"cache_enabled"`

	// CacheMaxEntries caps the read cache size.
	CacheMaxEntries int64 `yaml:"cache_max_entries"`

	// Clock supplies the current time. Tests inject a fake one.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns sensible defaults for a single-node store.
func DefaultConfig() *Config {
	return &Config{
		HistoryLimit:    16,
		CacheEnabled:    true,
		CacheMaxEntries: 1 << 14,
	}
}

// identity is the map key for (owner_type, owner_id, key).
type identity struct {
	ownerType string
	ownerID   string
	key       string
}

func identityKey(scope core.Scope, key string) identity {
	return identity{ownerType: scope.OwnerType, ownerID: scope.OwnerID, key: key}
}

func (id identity) String() string {
	return id.ownerType + "/" + id.ownerID + "/" + id.key
}

// Store is the authoritative versioned entry store.
type Store struct {
	mu      sync.RWMutex
	active  map[identity]*core.Entry
	history map[identity][]*core.Entry // newest first
	byID    map[string]*core.Entry
	seq     int64

	cache *ristretto.Cache
	cfg   *Config
	clock func() time.Time
}

// New creates a Store.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Store{
		active:  make(map[identity]*core.Entry),
		history: make(map[identity][]*core.Entry),
		byID:    make(map[string]*core.Entry),
		cfg:     cfg,
		clock:   cfg.Clock,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if cfg.CacheEnabled {
		max := cfg.CacheMaxEntries
		if max <= 0 {
			max = DefaultConfig().CacheMaxEntries
		}
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: max * 10,
			MaxCost:     max,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create read cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// PutOptions carries the optional parts of a Put.
type PutOptions struct {
	// ExpectedVersion is the compare-on-version guard. Zero means create.
	ExpectedVersion int64

	// Resurrect allows writing to an expired key, restarting it at version 1.
	Resurrect bool

	// TTL sets expires_at relative to now. Zero means no expiry.
	TTL time.Duration

	// ExpiresAt sets an absolute expiry and takes precedence over TTL.
	ExpiresAt *time.Time

	// Importance overrides the [0,1] retention score. Nil inherits the
	// previous version's score, or DefaultImportance on create.
	Importance *float64

	// Tags replaces the tag set. Nil inherits.
	Tags []string

	// Embedding and ModelNamespace attach a similarity vector. Nil inherits.
	Embedding      []float32
	ModelNamespace string
}

func (o *PutOptions) validate() error {
	if o.ExpectedVersion < 0 {
		return fmt.Errorf("%w: negative expected version", core.ErrInvalidScope)
	}
	if o.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", core.ErrInvalidScope)
	}
	if o.Importance != nil && (*o.Importance < 0 || *o.Importance > 1) {
		return fmt.Errorf("%w: importance %v outside [0,1]", core.ErrInvalidScope, *o.Importance)
	}
	if len(o.Embedding) > 0 && o.ModelNamespace == "" {
		return fmt.Errorf("%w: embedding requires a model namespace", core.ErrInvalidScope)
	}
	return nil
}

func (s *Store) cacheGet(id identity) (*core.Entry, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok := s.cache.Get(id.String())
	if !ok {
		return nil, false
	}
	e, ok := v.(*core.Entry)
	return e, ok
}

// cacheSet publishes a row to the read cache. Ristretto applies writes
// through an async buffer; Wait makes the row visible before the store
// mutation returns, so cached reads never trail a completed write.
func (s *Store) cacheSet(id identity, e *core.Entry) {
	if s.cache != nil {
		s.cache.Set(id.String(), e, 1)
		s.cache.Wait()
	}
}

// cacheIfCurrent re-inserts a row read outside the lock. The liveness
// re-check stops a slow reader from resurrecting a row that a concurrent
// writer retired and purged from the cache in the meantime.
func (s *Store) cacheIfCurrent(id identity, e *core.Entry) {
	s.mu.RLock()
	if s.active[id] == e {
		s.cacheSet(id, e)
	}
	s.mu.RUnlock()
}

func (s *Store) cacheDel(id identity) {
	if s.cache != nil {
		s.cache.Del(id.String())
		s.cache.Wait()
	}
}
