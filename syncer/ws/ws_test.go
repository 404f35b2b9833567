package ws_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coherentops/agentmem/core"
	"github.com/coherentops/agentmem/store"
	"github.com/coherentops/agentmem/syncer"
	"github.com/coherentops/agentmem/syncer/ws"
)

// wsNode backs the server side of a transport test.
type wsNode struct {
	store   *store.Store
	applier *syncer.Applier
}

func newWSNode(t *testing.T) *wsNode {
	t.Helper()
	st, err := store.New(nil)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return &wsNode{store: st, applier: syncer.NewApplier(st)}
}

func (n *wsNode) DeltaSince(ctx context.Context, req *syncer.DeltaRequest) (*syncer.DeltaResponse, error) {
	entries, next := n.store.ChangedSince(req.SinceCheckpoint, req.Scope)
	cloned := make([]*core.Entry, len(entries))
	for i, e := range entries {
		cloned[i] = e.Clone()
	}
	return &syncer.DeltaResponse{Entries: cloned, NextCheckpoint: next}, nil
}

func (n *wsNode) Apply(ctx context.Context, req *syncer.ApplyRequest) (*syncer.ApplyResponse, error) {
	return n.applier.Apply(ctx, req)
}

func (n *wsNode) Resolve(ctx context.Context, req *syncer.ResolveRequest) (*syncer.ResolveResponse, error) {
	return n.applier.Resolve(ctx, req)
}

func startServer(t *testing.T, node syncer.Node) *ws.Client {
	t.Helper()
	srv := httptest.NewServer(ws.NewServer(node, nil).Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := ws.NewClient(url, nil)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	node := newWSNode(t)
	client := startServer(t, node)

	scope := core.Scope{OwnerType: "agent", OwnerID: "remote"}
	_, err := node.store.Put(ctx, scope, "greeting", "hello", nil)
	require.NoError(t, err)

	delta, err := client.FetchDelta(ctx, &syncer.DeltaRequest{})
	require.NoError(t, err)
	require.Len(t, delta.Entries, 1)
	require.Equal(t, "greeting", delta.Entries[0].Key)
	require.Equal(t, int64(1), delta.NextCheckpoint)

	var text string
	require.NoError(t, json.Unmarshal(delta.Entries[0].Value, &text))
	require.Equal(t, "hello", text)
}

func TestApplyOverWire(t *testing.T) {
	ctx := context.Background()
	node := newWSNode(t)
	client := startServer(t, node)

	incoming := &core.Entry{
		ID:      "remote-id",
		Scope:   core.Scope{OwnerType: "agent", OwnerID: "remote"},
		Key:     "k",
		Value:   json.RawMessage(`"from peer"`),
		Version: 1,
		Seq:     1,
		State:   core.StateActive,
	}

	resp, err := client.Apply(ctx, &syncer.ApplyRequest{Source: "peer", Entries: []*core.Entry{incoming}})
	require.NoError(t, err)
	require.Equal(t, []string{"remote-id"}, resp.Applied)
	require.Empty(t, resp.Conflicts)

	got, err := node.store.Get(ctx, incoming.Scope, "k")
	require.NoError(t, err)
	var text string
	require.NoError(t, json.Unmarshal(got.Value, &text))
	require.Equal(t, "from peer", text)
}

func TestRemoteErrorIsNotRetryable(t *testing.T) {
	ctx := context.Background()
	node := newWSNode(t)
	client := startServer(t, node)

	// Applying without a source is rejected server-side; the error comes
	// back as an application error, not a transport failure.
	_, err := client.Apply(ctx, &syncer.ApplyRequest{})
	require.Error(t, err)
	require.False(t, syncer.IsRetryable(err))
	require.Contains(t, err.Error(), "source")

	_, err = client.Resolve(ctx, &syncer.ResolveRequest{ConflictID: "nope", Choice: syncer.ResolveKeepLocal})
	require.Error(t, err)
	require.False(t, syncer.IsRetryable(err))
}

func TestDialFailureIsRetryable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client := ws.NewClient("ws://127.0.0.1:1/sync", &ws.Config{
		Timeout:          200 * time.Millisecond,
		HandshakeTimeout: 200 * time.Millisecond,
	})
	defer client.Close()

	_, err := client.FetchDelta(ctx, &syncer.DeltaRequest{})
	require.Error(t, err)
	require.True(t, syncer.IsRetryable(err))
}

func TestConnectionIsReusedAcrossCalls(t *testing.T) {
	ctx := context.Background()
	node := newWSNode(t)
	client := startServer(t, node)

	for i := 0; i < 5; i++ {
		_, err := client.FetchDelta(ctx, &syncer.DeltaRequest{})
		require.NoError(t, err)
	}
}

func TestScopeFilterOverWire(t *testing.T) {
	ctx := context.Background()
	node := newWSNode(t)
	client := startServer(t, node)

	a := core.Scope{OwnerType: "agent", OwnerID: "a"}
	b := core.Scope{OwnerType: "agent", OwnerID: "b"}
	_, err := node.store.Put(ctx, a, "k", 1, nil)
	require.NoError(t, err)
	_, err = node.store.Put(ctx, b, "k", 2, nil)
	require.NoError(t, err)

	delta, err := client.FetchDelta(ctx, &syncer.DeltaRequest{Scope: &a})
	require.NoError(t, err)
	require.Len(t, delta.Entries, 1)
	require.Equal(t, "a", delta.Entries[0].Scope.OwnerID)
}

func TestCoordinatorOverWebsocket(t *testing.T) {
	ctx := context.Background()
	source := newWSNode(t)
	target := newWSNode(t)
	targetClient := startServer(t, target)
	sourceClient := startServer(t, source)

	scope := core.Scope{OwnerType: "agent", OwnerID: "shared"}
	_, err := source.store.Put(ctx, scope, "k", "over the wire", nil)
	require.NoError(t, err)

	coord := syncer.NewCoordinator(&syncer.Config{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		Timeout:     2 * time.Second,
	})
	coord.RegisterPeer("source", sourceClient)
	coord.RegisterPeer("target", targetClient)

	require.NoError(t, coord.InitiateSync(ctx, "source", "target", nil))
	coord.Wait()

	rec, ok := coord.Status("source", "target")
	require.True(t, ok)
	require.Equal(t, syncer.StateCompleted, rec.Status)

	got, err := target.store.Get(ctx, scope, "k")
	require.NoError(t, err)
	var text string
	require.NoError(t, json.Unmarshal(got.Value, &text))
	require.Equal(t, "over the wire", text)
}
