package syncer

import (
	"fmt"
	"time"

	"github.com/coherentops/agentmem/core"
)

// Conflict records a target-side entry that diverged independently from the
// incoming version, so neither is an ancestor of the other.
type Conflict struct {
	ID         string      `json:"id"`
	Scope      core.Scope  `json:"scope"`
	Key        string      `json:"key"`
	Local      *core.Entry `json:"local"`
	Incoming   *core.Entry `json:"incoming"`
	Source     string      `json:"source"`
	DetectedAt time.Time   `json:"detected_at"`
}

// Policy selects how the applier treats detected conflicts.
type Policy int

const (
	// PolicyManual queues conflicts for operator resolution; the sync pair
	// stays in ConflictPending until every conflict is resolved.
	PolicyManual Policy = iota
	// PolicyLastWriterWins keeps whichever side has the later updated_at.
	PolicyLastWriterWins
	// PolicyKeepBoth applies the winner under the original key and retains
	// the loser under a renamed key.
	PolicyKeepBoth
)

// String returns the snake_case policy name.
func (p Policy) String() string {
	switch p {
	case PolicyManual:
		return "manual"
	case PolicyLastWriterWins:
		return "last_writer_wins"
	case PolicyKeepBoth:
		return "keep_both"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "manual":
		return PolicyManual, nil
	case "last_writer_wins", "lww":
		return PolicyLastWriterWins, nil
	case "keep_both":
		return PolicyKeepBoth, nil
	default:
		return PolicyManual, fmt.Errorf("unknown sync policy %q", s)
	}
}

// Resolution is an operator's answer to one queued conflict.
type Resolution string

const (
	// ResolveKeepLocal keeps the target's entry and marks the incoming
	// version as seen.
	ResolveKeepLocal Resolution = "local"
	// ResolveTakeIncoming overwrites the target's entry with the incoming
	// version.
	ResolveTakeIncoming Resolution = "incoming"
	// ResolveLastWriterWins applies the last-writer-wins policy to this
	// conflict alone.
	ResolveLastWriterWins Resolution = "lww"
	// ResolveKeepBoth applies keep-both to this conflict alone.
	ResolveKeepBoth Resolution = "keep_both"
)
