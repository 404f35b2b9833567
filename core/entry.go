package core

import (
	"encoding/json"
	"hash/crc32"
	"time"
)

// LifecycleState tells whether an entry version is current or retired.
type LifecycleState int

const (
	// StateActive marks the single live version of an identity.
	StateActive LifecycleState = iota
	// StateExpired marks a version retired by TTL expiry.
	StateExpired
	// StateInvalidated marks a version retired by soft delete, supersession
	// or eviction.
	StateInvalidated
)

// String returns the lowercase name of the state.
func (s LifecycleState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Entry is one immutable version of a memory record.
//
// Rows are never mutated after publication; bookkeeping updates (access
// counters, lifecycle transitions) replace the row with a copy. That is what
// makes cached and snapshotted reads safe without locks.
type Entry struct {
	// ID uniquely names this version (not the identity).
	ID string `json:"id"`

	Scope Scope  `json:"scope"`
	Key   string `json:"key"`

	// Value is the opaque structured payload.
	Value json.RawMessage `json:"value"`

	// Version starts at 1 and increases by exactly one per successful write.
	Version int64 `json:"version"`

	// PreviousID is a weak backward reference to the prior version's ID.
	// It is informational history, never an ownership link.
	PreviousID string `json:"previous_id,omitempty"`

	// Importance is the [0,1] retention ranking. Entries at or above the
	// configured pinned threshold are exempt from automatic eviction.
	Importance float64 `json:"importance"`

	Tags []string `json:"tags,omitempty"`

	// Embedding is the optional similarity vector, namespaced by the
	// embedding model that produced it.
	Embedding      []float32 `json:"embedding,omitempty"`
	ModelNamespace string    `json:"model_namespace,omitempty"`

	State LifecycleState `json:"state"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AccessedAt  time.Time  `json:"accessed_at"`
	AccessCount int64      `json:"access_count"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	// Checksum is the CRC32 of Value, verified on read.
	Checksum uint32 `json:"checksum"`

	// Seq is the store-assigned change sequence number. Sync checkpoints
	// are positions in this sequence.
	Seq int64 `json:"seq"`
}

// IsExpired reports whether the entry has passed its expires_at.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// VerifyChecksum recomputes the value checksum and compares it to the
// recorded one.
func (e *Entry) VerifyChecksum() bool {
	return ValueChecksum(e.Value) == e.Checksum
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Value != nil {
		c.Value = append(json.RawMessage(nil), e.Value...)
	}
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// ValueChecksum computes the CRC32 checksum of a payload.
func ValueChecksum(value json.RawMessage) uint32 {
	return crc32.ChecksumIEEE(value)
}
