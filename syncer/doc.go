// Package syncer propagates memory entries between named agents.
//
// Each (source, target) pair owns one long-lived sync record with a state
// machine:
//
//	Idle -> ComputingDelta -> Transmitting -> Applying
//	     -> Completed | Failed | ConflictPending
//
// A sync pulls the delta of entries changed past the pair's checkpoint from
// the source and applies it at the target. Checkpoints are kept per scope
// filter: a scoped run resumes from its own position and leaves every other
// filter's position where it was. Application is idempotent:
// per-source markers track the last applied origin sequence, so replaying a delta
// never bumps versions a second time. A target entry that changed
// independently since the last applied marker is a conflict; the resolution
// policy is configurable (last-writer-wins by updated_at, keep-both with
// the losing key renamed, or a manual queue).
//
// Syncs are serialized per pair and concurrent across pairs. Transient
// transport failures are retried with exponential backoff; exhaustion
// surfaces as a Failed status for operator polling, never as a synchronous
// error to the caller who started the sync.
package syncer
