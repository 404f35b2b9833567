// Package store implements the authoritative, versioned entry store.
//
// Concurrency control is optimistic: writes compare on version and a losing
// writer gets core.ErrVersionConflict immediately. Rows are copy-on-write,
// so reads served from the ristretto cache never take the store lock and
// snapshots stay coherent while writers proceed.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/coherentops/agentmem/core"
)

// Put creates or updates the entry for (scope, key).
//
// With ExpectedVersion zero it creates version 1, failing with
// core.ErrVersionConflict when an active entry already exists. With a
// non-zero ExpectedVersion it atomically moves the entry to
// ExpectedVersion+1, failing with core.ErrVersionConflict when the stored
// version differs. Writing to an expired key fails with core.ErrExpired
// unless Resurrect is set, which restarts the identity at version 1.
func (s *Store) Put(ctx context.Context, scope core.Scope, key string, value any, opts *PutOptions) (*core.Entry, error) {
	if err := validateIdentity(scope, key); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &PutOptions{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	raw, err := marshalValue(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}

	id := identityKey(scope, key)
	now := s.clock()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be after creation time", core.ErrInvalidScope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, active := s.active[id]
	if active && cur.IsExpired(now) {
		s.expireLocked(cur)
		cur, active = nil, false
	}
	latest := s.latestLocked(id)

	var entry *core.Entry
	switch {
	case opts.ExpectedVersion == 0:
		if active {
			return nil, fmt.Errorf("%w: active entry exists at version %d", core.ErrVersionConflict, cur.Version)
		}
		if latest != nil && latest.State == core.StateExpired && !opts.Resurrect {
			return nil, fmt.Errorf("%w: resurrect not requested for %s/%s", core.ErrExpired, scope, key)
		}
		entry = s.buildLocked(scope, key, raw, opts, latest, now)

	default:
		if !active {
			if latest != nil && latest.State == core.StateExpired {
				return nil, fmt.Errorf("%w: %s/%s", core.ErrExpired, scope, key)
			}
			return nil, fmt.Errorf("%w: %s/%s", core.ErrNotFound, scope, key)
		}
		if cur.Version != opts.ExpectedVersion {
			return nil, fmt.Errorf("%w: expected %d, stored %d", core.ErrVersionConflict, opts.ExpectedVersion, cur.Version)
		}
		entry = s.updateLocked(cur, raw, opts, now)
	}

	s.publishLocked(id, entry)
	return entry.Clone(), nil
}

// Get returns the current active, non-expired entry for (scope, key).
// Entries past their expires_at are lazily retired and reported as
// core.ErrExpired (which matches core.ErrNotFound).
func (s *Store) Get(ctx context.Context, scope core.Scope, key string) (*core.Entry, error) {
	if err := validateIdentity(scope, key); err != nil {
		return nil, err
	}

	id := identityKey(scope, key)
	now := s.clock()

	if e, ok := s.cacheGet(id); ok && e.State == core.StateActive && !e.IsExpired(now) {
		return s.checkedClone(e)
	}

	s.mu.RLock()
	cur, active := s.active[id]
	latest := s.latestLocked(id)
	s.mu.RUnlock()

	if active && cur.IsExpired(now) {
		s.mu.Lock()
		// Re-check: a writer may have raced the upgrade.
		if cur, active = s.active[id]; active && cur.IsExpired(now) {
			s.expireLocked(cur)
			active = false
		}
		latest = s.latestLocked(id)
		s.mu.Unlock()
	}

	if !active {
		if latest != nil && latest.State == core.StateExpired {
			return nil, fmt.Errorf("%w: %s/%s", core.ErrExpired, scope, key)
		}
		return nil, fmt.Errorf("%w: %s/%s", core.ErrNotFound, scope, key)
	}

	s.cacheIfCurrent(id, cur)
	return s.checkedClone(cur)
}

// Invalidate soft-deletes the active entry for (scope, key). History is
// retained; only the live version is retired.
func (s *Store) Invalidate(ctx context.Context, scope core.Scope, key string) error {
	if err := validateIdentity(scope, key); err != nil {
		return err
	}

	id := identityKey(scope, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, active := s.active[id]
	if !active {
		return fmt.Errorf("%w: %s/%s", core.ErrNotFound, scope, key)
	}
	s.retireLocked(cur, core.StateInvalidated)
	return nil
}

// History returns a lazy, restartable sequence of the retained versions for
// (scope, key), newest first. The sequence iterates a snapshot; writes after
// the call do not affect an in-progress or restarted iteration.
func (s *Store) History(scope core.Scope, key string) iter.Seq[*core.Entry] {
	id := identityKey(scope, key)

	s.mu.RLock()
	versions := append([]*core.Entry(nil), s.history[id]...)
	s.mu.RUnlock()

	return func(yield func(*core.Entry) bool) {
		for _, e := range versions {
			if !yield(e.Clone()) {
				return
			}
		}
	}
}

// Snapshot returns the newest retained row of every identity, active or not.
// Rows are immutable; callers must not modify them.
func (s *Store) Snapshot() []*core.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Entry, 0, len(s.history))
	for _, versions := range s.history {
		if len(versions) > 0 {
			out = append(out, versions[0])
		}
	}
	return out
}

// ActiveCount returns the number of live entries.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// ChangedSince returns, for every identity whose newest row moved past the
// checkpoint, that newest row, plus the checkpoint to resume from. This is
// the sync delta source.
func (s *Store) ChangedSince(checkpoint int64, scope *core.Scope) ([]*core.Entry, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Entry
	for _, versions := range s.history {
		if len(versions) == 0 {
			continue
		}
		head := versions[0]
		if head.Seq <= checkpoint {
			continue
		}
		if scope != nil && !scope.Matches(head.Scope) {
			continue
		}
		out = append(out, head)
	}
	return out, s.seq
}

// GetByID returns the retained row with the given version ID regardless of
// lifecycle state. Used by the index for active-checks and hydration.
func (s *Store) GetByID(id string) (*core.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", core.ErrNotFound, id)
	}
	return e, nil
}

// Latest returns the newest retained row for (scope, key) regardless of
// lifecycle state.
func (s *Store) Latest(scope core.Scope, key string) (*core.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.latestLocked(identityKey(scope, key))
	if e == nil {
		return nil, false
	}
	return e, true
}

// MarkExpired retires the active entry for (scope, key) as expired.
// A no-op when the identity has no active entry.
func (s *Store) MarkExpired(scope core.Scope, key string) bool {
	id := identityKey(scope, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, active := s.active[id]
	if !active {
		return false
	}
	s.retireLocked(cur, core.StateExpired)
	return true
}

// Touch updates accessed_at and access_count on the active row owning the
// given version ID. Best-effort bookkeeping for the auditor; it fails when
// the version is no longer the live one.
func (s *Store) Touch(memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[memoryID]
	if !ok || row.State != core.StateActive {
		return fmt.Errorf("%w: no active row for id %s", core.ErrNotFound, memoryID)
	}

	touched := row.Clone()
	touched.AccessedAt = s.clock()
	touched.AccessCount++
	s.replaceLocked(row, touched)
	return nil
}

// Close releases the read cache.
func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// buildLocked assembles a fresh version-1 row. A latest row that was
// invalidated (not expired) continues the version chain instead, so the
// per-identity version never decreases; resurrection after expiry is the
// one sanctioned restart.
func (s *Store) buildLocked(scope core.Scope, key string, raw json.RawMessage, opts *PutOptions, latest *core.Entry, now time.Time) *core.Entry {
	e := &core.Entry{
		ID:             uuid.NewString(),
		Scope:          scope,
		Key:            key,
		Value:          raw,
		Version:        1,
		Importance:     DefaultImportance,
		Tags:           append([]string(nil), opts.Tags...),
		Embedding:      append([]float32(nil), opts.Embedding...),
		ModelNamespace: opts.ModelNamespace,
		State:          core.StateActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		AccessedAt:     now,
		Checksum:       core.ValueChecksum(raw),
	}
	if opts.Importance != nil {
		e.Importance = *opts.Importance
	}
	if latest != nil && latest.State == core.StateInvalidated {
		e.Version = latest.Version + 1
		e.PreviousID = latest.ID
	}
	applyExpiry(e, opts, now)
	return e
}

func (s *Store) updateLocked(cur *core.Entry, raw json.RawMessage, opts *PutOptions, now time.Time) *core.Entry {
	e := cur.Clone()
	e.ID = uuid.NewString()
	e.PreviousID = cur.ID
	e.Value = raw
	e.Version = cur.Version + 1
	e.UpdatedAt = now
	e.AccessedAt = now
	e.Checksum = core.ValueChecksum(raw)
	if opts.Importance != nil {
		e.Importance = *opts.Importance
	}
	if opts.Tags != nil {
		e.Tags = append([]string(nil), opts.Tags...)
	}
	if opts.Embedding != nil {
		e.Embedding = append([]float32(nil), opts.Embedding...)
		e.ModelNamespace = opts.ModelNamespace
	}
	applyExpiry(e, opts, now)
	return e
}

// publishLocked makes a new row the live version of its identity and retires
// the prior head as superseded.
func (s *Store) publishLocked(id identity, e *core.Entry) {
	if prev, ok := s.active[id]; ok {
		retired := prev.Clone()
		retired.State = core.StateInvalidated
		s.replaceLocked(prev, retired)
	}

	s.seq++
	e.Seq = s.seq

	s.active[id] = e
	s.byID[e.ID] = e
	s.history[id] = append([]*core.Entry{e}, s.history[id]...)
	s.trimHistoryLocked(id)
	s.cacheSet(id, e)
}

// retireLocked moves the active row of an identity to a terminal state.
func (s *Store) retireLocked(cur *core.Entry, state core.LifecycleState) {
	retired := cur.Clone()
	retired.State = state
	s.seq++
	retired.Seq = s.seq
	s.replaceLocked(cur, retired)

	id := identityKey(cur.Scope, cur.Key)
	delete(s.active, id)
	s.cacheDel(id)
}

func (s *Store) expireLocked(cur *core.Entry) {
	log.Printf("[STORE] Lazy-expiring %s/%s v%d", cur.Scope, cur.Key, cur.Version)
	s.retireLocked(cur, core.StateExpired)
}

// replaceLocked swaps one published row for its copy-on-write successor in
// every structure that may hold the old pointer.
func (s *Store) replaceLocked(old, next *core.Entry) {
	id := identityKey(old.Scope, old.Key)

	delete(s.byID, old.ID)
	s.byID[next.ID] = next

	if s.active[id] == old {
		s.active[id] = next
		s.cacheSet(id, next)
	}
	for i, v := range s.history[id] {
		if v == old {
			s.history[id][i] = next
			break
		}
	}
}

func (s *Store) latestLocked(id identity) *core.Entry {
	if versions := s.history[id]; len(versions) > 0 {
		return versions[0]
	}
	return nil
}

func (s *Store) trimHistoryLocked(id identity) {
	limit := s.cfg.HistoryLimit
	if limit <= 0 {
		return
	}
	versions := s.history[id]
	for len(versions) > limit {
		dropped := versions[len(versions)-1]
		delete(s.byID, dropped.ID)
		versions = versions[:len(versions)-1]
	}
	s.history[id] = versions
}

func (s *Store) checkedClone(e *core.Entry) (*core.Entry, error) {
	if !e.VerifyChecksum() {
		log.Printf("[STORE] Checksum mismatch on %s/%s v%d (id=%s)", e.Scope, e.Key, e.Version, e.ID)
		return nil, fmt.Errorf("%w: %s/%s v%d", core.ErrCorrupted, e.Scope, e.Key, e.Version)
	}
	return e.Clone(), nil
}

func validateIdentity(scope core.Scope, key string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: key must be non-empty", core.ErrInvalidScope)
	}
	return nil
}

func applyExpiry(e *core.Entry, opts *PutOptions, now time.Time) {
	switch {
	case opts.ExpiresAt != nil:
		t := *opts.ExpiresAt
		e.ExpiresAt = &t
	case opts.TTL > 0:
		t := now.Add(opts.TTL)
		e.ExpiresAt = &t
	}
}

func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return append(json.RawMessage(nil), raw...), nil
	}
	return json.Marshal(value)
}
