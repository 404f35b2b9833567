package syncer

import "context"

// Transport reaches one named peer. The websocket client in syncer/ws talks
// to remote nodes; LocalTransport serves same-process meshes and tests.
type Transport interface {
	// FetchDelta pulls the peer's changes past a checkpoint.
	FetchDelta(ctx context.Context, req *DeltaRequest) (*DeltaResponse, error)
	// Apply pushes a delta at the peer.
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	// Resolve settles one queued conflict at the peer.
	Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error)
}

// LocalTransport adapts an in-process Node to the Transport interface.
type LocalTransport struct {
	node Node
}

// NewLocalTransport wraps a node.
func NewLocalTransport(node Node) *LocalTransport {
	return &LocalTransport{node: node}
}

// FetchDelta serves the delta directly from the wrapped node.
func (t *LocalTransport) FetchDelta(ctx context.Context, req *DeltaRequest) (*DeltaResponse, error) {
	return t.node.DeltaSince(ctx, req)
}

// Apply applies the delta directly at the wrapped node.
func (t *LocalTransport) Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error) {
	return t.node.Apply(ctx, req)
}

// Resolve resolves a conflict directly at the wrapped node.
func (t *LocalTransport) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	return t.node.Resolve(ctx, req)
}
