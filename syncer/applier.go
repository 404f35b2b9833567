package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coherentops/agentmem/core"
	"github.com/coherentops/agentmem/store"
)

// Indexer mirrors the embedding index operations the applier needs; kept as
// a local interface so the syncer does not depend on the index package.
type Indexer interface {
	Upsert(ctx context.Context, entryID string, vector []float32, namespace string) error
	Remove(ctx context.Context, entryID string, namespace string) error
}

// errApplyRaced signals that a foreground writer beat a sync apply to the
// compare-on-version write. Internal to the applier.
var errApplyRaced = errors.New("apply raced a local writer")

// appliedMarker remembers, per source and identity, the last origin change
// applied here and the local version it produced. Replays and divergence are
// both detected against it. Replay detection keys on the origin sequence, not
// the version: a tombstone keeps its version but always carries a new
// sequence number.
type appliedMarker struct {
	originSeq    int64
	localVersion int64
}

// Applier is the target side of a sync: it applies incoming deltas onto the
// local store, idempotently, detecting and resolving conflicts.
type Applier struct {
	mu      sync.Mutex
	store   *store.Store
	indexer Indexer
	policy  Policy
	markers map[string]map[string]appliedMarker // source -> identity -> marker
	pending map[string]*Conflict
	clock   func() time.Time
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithIndexer keeps the embedding index in step with applied entries.
func WithIndexer(ix Indexer) ApplierOption {
	return func(a *Applier) { a.indexer = ix }
}

// WithPolicy sets the conflict resolution policy.
func WithPolicy(p Policy) ApplierOption {
	return func(a *Applier) { a.policy = p }
}

// WithApplierClock injects a clock for tests.
func WithApplierClock(clock func() time.Time) ApplierOption {
	return func(a *Applier) { a.clock = clock }
}

// NewApplier creates an Applier over the local store.
func NewApplier(st *store.Store, opts ...ApplierOption) *Applier {
	a := &Applier{
		store:   st,
		policy:  PolicyManual,
		markers: make(map[string]map[string]appliedMarker),
		pending: make(map[string]*Conflict),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply applies one delta. Entries already applied (per marker) are reported
// as applied again without touching the store, which is what makes double
// application of the same delta a no-op.
func (a *Applier) Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("%w: apply request without source", core.ErrInvalidScope)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	resp := &ApplyResponse{}
	for _, incoming := range req.Entries {
		if err := ctx.Err(); err != nil {
			// Cancellation keeps everything applied so far; re-running the
			// delta later skips those entries via the markers.
			return nil, err
		}
		conflict, err := a.applyOne(ctx, req.Source, incoming)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			resp.Conflicts = append(resp.Conflicts, *conflict)
			continue
		}
		resp.Applied = append(resp.Applied, incoming.ID)
	}
	return resp, nil
}

// Pending returns the queued conflicts awaiting manual resolution.
func (a *Applier) Pending() []Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Conflict, 0, len(a.pending))
	for _, c := range a.pending {
		out = append(out, *c)
	}
	return out
}

// Resolve settles one queued conflict.
func (a *Applier) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.pending[req.ConflictID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConflict, req.ConflictID)
	}

	var err error
	switch req.Choice {
	case ResolveKeepLocal:
		a.markSeen(c.Source, c.Scope, c.Key, c.Incoming.Seq)
	case ResolveTakeIncoming:
		err = a.forceApply(ctx, c.Source, c.Incoming)
	case ResolveLastWriterWins:
		err = a.resolveLastWriterWins(ctx, c)
	case ResolveKeepBoth:
		err = a.resolveKeepBoth(ctx, c)
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrSyncConflict, req.Choice)
	}
	if err != nil {
		return nil, err
	}

	delete(a.pending, req.ConflictID)
	log.Printf("[SYNC] Resolved conflict %s on %s/%s via %s", c.ID, c.Scope, c.Key, req.Choice)
	return &ResolveResponse{Resolved: true, Remaining: len(a.pending)}, nil
}

// applyOne applies a single incoming entry, returning a conflict when the
// policy is manual and the local entry diverged.
func (a *Applier) applyOne(ctx context.Context, source string, incoming *core.Entry) (*Conflict, error) {
	marker, seen := a.markerFor(source, incoming.Scope, incoming.Key)
	if seen && incoming.Seq <= marker.originSeq {
		return nil, nil // replay of an already-applied delta
	}
	incoming = a.deadOnArrival(incoming)

	local, exists := a.store.Latest(incoming.Scope, incoming.Key)
	alive := exists && local.State == core.StateActive && !local.IsExpired(a.clock())

	// Divergence check: local history the source never produced, or local
	// writes past the version this pair last applied.
	diverged := false
	switch {
	case !exists:
	case !seen:
		diverged = alive
	default:
		diverged = local.Version != marker.localVersion
	}

	if !diverged {
		err := a.fastForward(ctx, source, incoming, local, alive)
		if !errors.Is(err, errApplyRaced) {
			return nil, err
		}
		// A foreground writer raced the apply; re-read and treat the fresh
		// local state as divergence.
		local, _ = a.store.Latest(incoming.Scope, incoming.Key)
	}

	c := &Conflict{
		ID:         uuid.NewString(),
		Scope:      incoming.Scope,
		Key:        incoming.Key,
		Incoming:   incoming.Clone(),
		Source:     source,
		DetectedAt: a.clock(),
	}
	if local != nil {
		c.Local = local.Clone()
	}

	switch a.policy {
	case PolicyLastWriterWins:
		return nil, a.resolveLastWriterWins(ctx, c)
	case PolicyKeepBoth:
		return nil, a.resolveKeepBoth(ctx, c)
	default:
		a.pending[c.ID] = c
		log.Printf("[SYNC] Conflict on %s/%s: incoming v%d from %s diverged from local state",
			c.Scope, c.Key, incoming.Version, source)
		return c, nil
	}
}

// fastForward applies an incoming entry over a non-diverged local state.
func (a *Applier) fastForward(ctx context.Context, source string, incoming *core.Entry, local *core.Entry, alive bool) error {
	if tombstone(incoming) {
		if alive {
			if incoming.State == core.StateExpired {
				a.store.MarkExpired(incoming.Scope, incoming.Key)
			} else if err := a.store.Invalidate(ctx, incoming.Scope, incoming.Key); err != nil {
				return fmt.Errorf("apply tombstone: %w", err)
			}
			a.dropIndex(ctx, local)
		}
		version := int64(0)
		if local != nil {
			version = local.Version
		}
		a.setMarker(source, incoming.Scope, incoming.Key, appliedMarker{
			originSeq:    incoming.Seq,
			localVersion: version,
		})
		return nil
	}

	opts := putOptionsFrom(incoming)
	if alive {
		opts.ExpectedVersion = local.Version
	}
	applied, err := a.store.Put(ctx, incoming.Scope, incoming.Key, json.RawMessage(incoming.Value), opts)
	if errors.Is(err, core.ErrVersionConflict) {
		return errApplyRaced
	}
	if err != nil {
		return fmt.Errorf("apply entry %s/%s: %w", incoming.Scope, incoming.Key, err)
	}

	a.upsertIndex(ctx, applied)
	a.setMarker(source, incoming.Scope, incoming.Key, appliedMarker{
		originSeq:    incoming.Seq,
		localVersion: applied.Version,
	})
	return nil
}

// deadOnArrival downgrades an entry whose expires_at passed in transit to
// an expiry tombstone. Writing it as-is would fail on the past expiry and
// abort the whole delta; as a tombstone it is marked seen and skipped.
func (a *Applier) deadOnArrival(e *core.Entry) *core.Entry {
	if e.State != core.StateActive || !e.IsExpired(a.clock()) {
		return e
	}
	dead := e.Clone()
	dead.State = core.StateExpired
	return dead
}

// forceApply overwrites whatever is stored locally with the incoming entry.
func (a *Applier) forceApply(ctx context.Context, source string, incoming *core.Entry) error {
	incoming = a.deadOnArrival(incoming)
	local, exists := a.store.Latest(incoming.Scope, incoming.Key)
	alive := exists && local.State == core.StateActive && !local.IsExpired(a.clock())

	if tombstone(incoming) {
		return a.fastForward(ctx, source, incoming, local, alive)
	}

	opts := putOptionsFrom(incoming)
	if alive {
		opts.ExpectedVersion = local.Version
	}
	applied, err := a.store.Put(ctx, incoming.Scope, incoming.Key, json.RawMessage(incoming.Value), opts)
	if err != nil {
		return fmt.Errorf("force apply %s/%s: %w", incoming.Scope, incoming.Key, err)
	}
	a.upsertIndex(ctx, applied)
	a.setMarker(source, incoming.Scope, incoming.Key, appliedMarker{
		originSeq:    incoming.Seq,
		localVersion: applied.Version,
	})
	return nil
}

func (a *Applier) resolveLastWriterWins(ctx context.Context, c *Conflict) error {
	if c.Local == nil || c.Incoming.UpdatedAt.After(c.Local.UpdatedAt) {
		return a.forceApply(ctx, c.Source, c.Incoming)
	}
	a.markSeen(c.Source, c.Scope, c.Key, c.Incoming.Seq)
	return nil
}

// resolveKeepBoth keeps the later writer under the original key and the
// loser under a renamed key.
func (a *Applier) resolveKeepBoth(ctx context.Context, c *Conflict) error {
	if incoming := a.deadOnArrival(c.Incoming); tombstone(incoming) {
		// A dead incoming side leaves nothing to keep next to local.
		a.markSeen(c.Source, c.Scope, c.Key, incoming.Seq)
		return nil
	}

	renamed := fmt.Sprintf("%s~conflict-%s", c.Key, c.ID[:8])

	if c.Local == nil {
		return a.forceApply(ctx, c.Source, c.Incoming)
	}
	if c.Incoming.UpdatedAt.After(c.Local.UpdatedAt) {
		// Local loses: move it aside, then take the incoming entry.
		loser := c.Local.Clone()
		loser.Key = renamed
		if err := a.putRenamed(ctx, loser); err != nil {
			return err
		}
		return a.forceApply(ctx, c.Source, c.Incoming)
	}

	// Incoming loses: park it under the renamed key, keep local untouched.
	loser := c.Incoming.Clone()
	loser.Key = renamed
	if err := a.putRenamed(ctx, loser); err != nil {
		return err
	}
	a.markSeen(c.Source, c.Scope, c.Key, c.Incoming.Seq)
	return nil
}

func (a *Applier) putRenamed(ctx context.Context, loser *core.Entry) error {
	opts := putOptionsFrom(loser)
	applied, err := a.store.Put(ctx, loser.Scope, loser.Key, json.RawMessage(loser.Value), opts)
	if err != nil {
		return fmt.Errorf("keep-both rename to %s: %w", loser.Key, err)
	}
	a.upsertIndex(ctx, applied)
	return nil
}

// markSeen advances the origin marker without changing local state, so the
// declined incoming version stops re-conflicting on every sync.
func (a *Applier) markSeen(source string, scope core.Scope, key string, originSeq int64) {
	version := int64(0)
	if local, ok := a.store.Latest(scope, key); ok {
		version = local.Version
	}
	a.setMarker(source, scope, key, appliedMarker{
		originSeq:    originSeq,
		localVersion: version,
	})
}

func (a *Applier) markerFor(source string, scope core.Scope, key string) (appliedMarker, bool) {
	m, ok := a.markers[source][scope.String()+"/"+key]
	return m, ok
}

func (a *Applier) setMarker(source string, scope core.Scope, key string, m appliedMarker) {
	byIdentity := a.markers[source]
	if byIdentity == nil {
		byIdentity = make(map[string]appliedMarker)
		a.markers[source] = byIdentity
	}
	byIdentity[scope.String()+"/"+key] = m
}

func (a *Applier) upsertIndex(ctx context.Context, e *core.Entry) {
	if a.indexer == nil || len(e.Embedding) == 0 {
		return
	}
	if err := a.indexer.Upsert(ctx, e.ID, e.Embedding, e.ModelNamespace); err != nil {
		log.Printf("[SYNC] Index upsert failed for %s: %v", e.ID, err)
	}
}

func (a *Applier) dropIndex(ctx context.Context, e *core.Entry) {
	if a.indexer == nil || e == nil || len(e.Embedding) == 0 {
		return
	}
	if err := a.indexer.Remove(ctx, e.ID, e.ModelNamespace); err != nil {
		log.Printf("[SYNC] Index remove failed for %s: %v", e.ID, err)
	}
}

func tombstone(e *core.Entry) bool {
	return e.State != core.StateActive
}

func putOptionsFrom(e *core.Entry) *store.PutOptions {
	importance := e.Importance
	opts := &store.PutOptions{
		Resurrect:      true,
		Importance:     &importance,
		Tags:           e.Tags,
		Embedding:      e.Embedding,
		ModelNamespace: e.ModelNamespace,
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		opts.ExpiresAt = &t
	}
	return opts
}
