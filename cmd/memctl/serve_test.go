package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coherentops/agentmem/core"
	"github.com/coherentops/agentmem/engine"
	"github.com/coherentops/agentmem/index"
	"github.com/coherentops/agentmem/store"
	"github.com/coherentops/agentmem/syncer"
)

func startAdmin(t *testing.T) (*engine.Engine, string) {
	t.Helper()
	node, err := engine.New(&engine.Config{
		Index: &index.Config{Namespaces: map[string]int{"notes": 4}},
	})
	require.NoError(t, err)
	t.Cleanup(node.Close)

	mux := http.NewServeMux()
	registerAdmin(mux, node, syncer.NewCoordinator(nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return node, srv.URL
}

func TestRebuildEndpointRestoresQueries(t *testing.T) {
	ctx := context.Background()
	node, url := startAdmin(t)

	scope := core.Scope{OwnerType: "agent", OwnerID: "ops"}
	vec := []float32{1, 0, 0, 0}
	_, err := node.Put(ctx, scope, "note", "indexed", &store.PutOptions{
		Embedding:      vec,
		ModelNamespace: "notes",
	})
	require.NoError(t, err)

	resp, err := http.Post(url+"/v1/rebuild", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "rebuilt", body["status"])

	matches, err := node.Query(ctx, vec, 1, "notes", nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "note", matches[0].Entry.Key)
}

func TestEvictEndpointReportsSweep(t *testing.T) {
	_, url := startAdmin(t)

	resp, err := http.Post(url+"/v1/evict", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		Expired int `json:"expired"`
		Evicted int `json:"evicted"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Zero(t, report.Expired)
	require.Zero(t, report.Evicted)
}
