package core

import "time"

// AccessType classifies an access log record.
type AccessType string

const (
	AccessRead       AccessType = "read"
	AccessWrite      AccessType = "write"
	AccessInvalidate AccessType = "invalidate"
)

// AccessRecord is one append-only access log entry. Records are created on
// every read and write and never mutated afterwards.
type AccessRecord struct {
	MemoryID string     `json:"memory_id"`
	AgentID  string     `json:"agent_id"`
	Type     AccessType `json:"access_type"`

	// Reason distinguishes system-initiated invalidations, e.g. "eviction"
	// or "expired". Empty for ordinary caller traffic.
	Reason string `json:"reason,omitempty"`

	At      time.Time `json:"timestamp"`
	Success bool      `json:"success"`
}
