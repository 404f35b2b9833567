// Package engine wires the memory subsystems into the single surface that
// callers consume: Put, Get, Invalidate, History, Query and RecordAccess.
// Business modules never see the store, index, auditor or retention engine
// directly, and the engine has no knowledge of their domain entities.
//
// The engine also implements syncer.Node, so a node can serve deltas to and
// apply deltas from its peers.
package engine

import (
	"context"
	"iter"
	"log"

	"github.com/coherentops/agentmem/audit"
	"github.com/coherentops/agentmem/core"
	"github.com/coherentops/agentmem/index"
	"github.com/coherentops/agentmem/retention"
	"github.com/coherentops/agentmem/store"
	"github.com/coherentops/agentmem/syncer"
)

// Config aggregates per-subsystem configuration for one node.
type Config struct {
	// AgentID names this node in access records and sync traffic.
	AgentID string `yaml:"agent_id"`

	Store     *store.Config     `yaml:"store"`
	Index     *index.Config     `yaml:"index"`
	Retention *retention.Config `yaml:"retention"`
	Audit     *audit.Config     `yaml:"audit"`

	// SyncPolicy is the conflict policy applied to incoming deltas.
	SyncPolicy syncer.Policy `yaml:"-"`
}

// DefaultConfig returns a single-node default configuration.
func DefaultConfig() *Config {
	return &Config{
		AgentID:   "local",
		Store:     store.DefaultConfig(),
		Index:     index.DefaultConfig(),
		Retention: retention.DefaultConfig(),
		Audit:     audit.DefaultConfig(),
	}
}

// Engine is one agent node's memory system.
type Engine struct {
	agentID   string
	store     *store.Store
	index     *index.Index
	audit     *audit.Auditor
	retention *retention.Engine
	applier   *syncer.Applier
}

// Option configures the engine.
type Option func(*Config)

// WithAgentID names the node.
func WithAgentID(id string) Option {
	return func(c *Config) { c.AgentID = id }
}

// WithSyncPolicy sets the conflict policy for incoming deltas.
func WithSyncPolicy(p syncer.Policy) Option {
	return func(c *Config) { c.SyncPolicy = p }
}

// New creates an engine node.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	for _, opt := range opts {
		opt(cfg)
	}

	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, err
	}
	idx := index.New(st, cfg.Index)
	aud := audit.New(st, cfg.Audit)
	ret := retention.New(st, idx, aud, cfg.Retention)
	app := syncer.NewApplier(st,
		syncer.WithIndexer(idx),
		syncer.WithPolicy(cfg.SyncPolicy),
	)

	return &Engine{
		agentID:   cfg.AgentID,
		store:     st,
		index:     idx,
		audit:     aud,
		retention: ret,
		applier:   app,
	}, nil
}

// AgentID returns the node's agent name.
func (e *Engine) AgentID() string { return e.agentID }

// Put creates or updates a memory entry and keeps the index and audit log
// in step. When the entry stores but indexing hits its capacity limit, the
// entry is returned together with the index error.
func (e *Engine) Put(ctx context.Context, scope core.Scope, key string, value any, opts *store.PutOptions) (*core.Entry, error) {
	entry, err := e.store.Put(ctx, scope, key, value, opts)
	e.recordWrite(ctx, scope, key, entry, err)
	if err != nil {
		return nil, err
	}

	if len(entry.Embedding) > 0 {
		if ixErr := e.index.Upsert(ctx, entry.ID, entry.Embedding, entry.ModelNamespace); ixErr != nil {
			return entry, ixErr
		}
	}
	return entry, nil
}

// Get returns the active, non-expired entry for an identity.
func (e *Engine) Get(ctx context.Context, scope core.Scope, key string) (*core.Entry, error) {
	entry, err := e.store.Get(ctx, scope, key)
	e.recordRead(ctx, scope, key, entry, err)
	return entry, err
}

// Invalidate soft-deletes the active entry for an identity.
func (e *Engine) Invalidate(ctx context.Context, scope core.Scope, key string) error {
	latest, _ := e.store.Latest(scope, key)
	err := e.store.Invalidate(ctx, scope, key)
	if latest != nil {
		e.audit.Record(ctx, core.AccessRecord{
			MemoryID: latest.ID,
			AgentID:  e.agentID,
			Type:     core.AccessInvalidate,
			Success:  err == nil,
		})
		if err == nil && len(latest.Embedding) > 0 {
			if ixErr := e.index.Remove(ctx, latest.ID, latest.ModelNamespace); ixErr != nil {
				log.Printf("[ENGINE] Index remove failed for %s: %v", latest.ID, ixErr)
			}
		}
	}
	return err
}

// History returns the retained versions of an identity, newest first.
func (e *Engine) History(scope core.Scope, key string) iter.Seq[*core.Entry] {
	return e.store.History(scope, key)
}

// Query returns the top-k active entries by embedding similarity.
func (e *Engine) Query(ctx context.Context, vector []float32, k int, namespace string, filters *index.Filters) ([]index.Match, error) {
	matches, err := e.index.Query(ctx, vector, k, namespace, filters)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		e.audit.RecordAccess(ctx, m.Entry.ID, e.agentID, core.AccessRead)
	}
	return matches, nil
}

// RecordAccess lets callers attribute an access to a specific agent.
func (e *Engine) RecordAccess(ctx context.Context, memoryID, agentID string, accessType core.AccessType) {
	e.audit.RecordAccess(ctx, memoryID, agentID, accessType)
}

// ComputeImportance exposes the auditor's importance recalculation.
func (e *Engine) ComputeImportance(memoryID string) float64 {
	return e.audit.ComputeImportance(memoryID)
}

// AccessLog returns the audit records for one memory ID (all when empty).
func (e *Engine) AccessLog(memoryID string) []core.AccessRecord {
	return e.audit.Records(memoryID)
}

// Sweep forces one retention pass.
func (e *Engine) Sweep(ctx context.Context) (*retention.Report, error) {
	return e.retention.Sweep(ctx)
}

// Compact forces one index compaction pass.
func (e *Engine) Compact(ctx context.Context) (int, error) {
	return e.index.Compact(ctx)
}

// RebuildIndex rebuilds the embedding index from the store, the recovery
// path for index corruption.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	return e.index.Rebuild(ctx, e.store.Snapshot())
}

// StartRetention runs background retention sweeps until ctx is cancelled.
func (e *Engine) StartRetention(ctx context.Context) {
	go e.retention.Run(ctx)
}

// DeltaSince implements syncer.Node: serve this node's changes to a peer.
func (e *Engine) DeltaSince(ctx context.Context, req *syncer.DeltaRequest) (*syncer.DeltaResponse, error) {
	entries, next := e.store.ChangedSince(req.SinceCheckpoint, req.Scope)
	cloned := make([]*core.Entry, len(entries))
	for i, entry := range entries {
		cloned[i] = entry.Clone()
	}
	return &syncer.DeltaResponse{Entries: cloned, NextCheckpoint: next}, nil
}

// Apply implements syncer.Node: apply a peer's delta here.
func (e *Engine) Apply(ctx context.Context, req *syncer.ApplyRequest) (*syncer.ApplyResponse, error) {
	return e.applier.Apply(ctx, req)
}

// Resolve implements syncer.Node: settle a queued conflict here.
func (e *Engine) Resolve(ctx context.Context, req *syncer.ResolveRequest) (*syncer.ResolveResponse, error) {
	return e.applier.Resolve(ctx, req)
}

// PendingConflicts returns conflicts queued at this node.
func (e *Engine) PendingConflicts() []syncer.Conflict {
	return e.applier.Pending()
}

// Close releases node resources.
func (e *Engine) Close() {
	e.store.Close()
}

func (e *Engine) recordWrite(ctx context.Context, scope core.Scope, key string, entry *core.Entry, err error) {
	rec := core.AccessRecord{
		AgentID: e.agentID,
		Type:    core.AccessWrite,
		Success: err == nil,
	}
	switch {
	case entry != nil:
		rec.MemoryID = entry.ID
	default:
		if latest, ok := e.store.Latest(scope, key); ok {
			rec.MemoryID = latest.ID
		}
	}
	e.audit.Record(ctx, rec)
}

func (e *Engine) recordRead(ctx context.Context, scope core.Scope, key string, entry *core.Entry, err error) {
	rec := core.AccessRecord{
		AgentID: e.agentID,
		Type:    core.AccessRead,
		Success: err == nil,
	}
	if entry != nil {
		rec.MemoryID = entry.ID
	} else if latest, ok := e.store.Latest(scope, key); ok {
		rec.MemoryID = latest.ID
	}
	e.audit.Record(ctx, rec)
}
