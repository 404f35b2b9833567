package syncer

import (
	"context"

	"github.com/coherentops/agentmem/core"
)

// DeltaRequest asks a source node for everything changed past a checkpoint,
// optionally narrowed to an owner scope.
type DeltaRequest struct {
	SinceCheckpoint int64       `json:"since_checkpoint"`
	Scope           *core.Scope `json:"scope,omitempty"`
}

// DeltaResponse carries the changed entries and the checkpoint to resume
// from once they are applied.
type DeltaResponse struct {
	Entries        []*core.Entry `json:"entries"`
	NextCheckpoint int64         `json:"next_checkpoint"`
}

// ApplyRequest pushes a delta at a target node. Source names the agent the
// delta came from; the target keys its applied markers by it.
type ApplyRequest struct {
	Source  string        `json:"source"`
	Entries []*core.Entry `json:"entries"`
}

// ApplyResponse reports which incoming entries were applied (by their
// version ID) and which conflicted.
type ApplyResponse struct {
	Applied   []string   `json:"applied"`
	Conflicts []Conflict `json:"conflicts"`
}

// ResolveRequest resolves one queued conflict at the target.
type ResolveRequest struct {
	ConflictID string     `json:"conflict_id"`
	Choice     Resolution `json:"choice"`
}

// ResolveResponse reports the resolution result and how many conflicts
// remain queued at the target.
type ResolveResponse struct {
	Resolved  bool `json:"resolved"`
	Remaining int  `json:"remaining"`
}

// Node is the local surface a transport exposes to its peers: serve deltas,
// apply deltas, resolve queued conflicts. The engine implements it.
type Node interface {
	DeltaSince(ctx context.Context, req *DeltaRequest) (*DeltaResponse, error)
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error)
}
