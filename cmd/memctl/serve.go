package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coherentops/agentmem/core"
	"github.com/coherentops/agentmem/engine"
	"github.com/coherentops/agentmem/syncer"
	"github.com/coherentops/agentmem/syncer/ws"
)

// runServe runs a node: the websocket sync endpoint for peers plus the
// admin API the other memctl commands talk to.
func runServe(cfg *fileConfig) int {
	engineCfg, err := cfg.engineConfig()
	if err != nil {
		log.Printf("memctl: %v", err)
		return exitFailure
	}
	syncCfg, err := cfg.syncConfig()
	if err != nil {
		log.Printf("memctl: %v", err)
		return exitFailure
	}
	wsCfg, err := cfg.wsConfig()
	if err != nil {
		log.Printf("memctl: %v", err)
		return exitFailure
	}

	node, err := engine.New(engineCfg)
	if err != nil {
		log.Printf("memctl: %v", err)
		return exitFailure
	}
	defer node.Close()

	coordinator := syncer.NewCoordinator(syncCfg)
	coordinator.RegisterPeer(node.AgentID(), syncer.NewLocalTransport(node))
	for name, url := range cfg.Peers {
		coordinator.RegisterPeer(name, ws.NewClient(url, wsCfg))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node.StartRetention(ctx)

	mux := http.NewServeMux()
	mux.Handle("/sync", ws.NewServer(node, wsCfg).Handler())
	registerAdmin(mux, node, coordinator)

	listen := cfg.Listen
	if listen == "" {
		listen = ":7600"
	}
	server := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("memctl: node %s listening on %s", node.AgentID(), listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("memctl: %v", err)
		return exitFailure
	}
	coordinator.Wait()
	return exitOK
}

// registerAdmin mounts the operator endpoints.
func registerAdmin(mux *http.ServeMux, node *engine.Engine, coordinator *syncer.Coordinator) {
	mux.HandleFunc("POST /v1/sync", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Source    string `json:"source"`
			Target    string `json:"target"`
			OwnerType string `json:"owner_type"`
			OwnerID   string `json:"owner_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		var scope *core.Scope
		if req.OwnerType != "" || req.OwnerID != "" {
			scope = &core.Scope{OwnerType: req.OwnerType, OwnerID: req.OwnerID}
		}
		if err := coordinator.InitiateSync(r.Context(), req.Source, req.Target, scope); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"status": "started"})
	})

	mux.HandleFunc("GET /v1/sync/status", func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		target := r.URL.Query().Get("target")
		if source == "" || target == "" {
			writeJSON(w, coordinator.Records())
			return
		}
		rec, ok := coordinator.Status(source, target)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, rec)
	})

	mux.HandleFunc("GET /v1/conflicts", func(w http.ResponseWriter, r *http.Request) {
		conflicts := coordinator.PendingConflicts()
		// Conflicts applied locally by peers syncing into this node.
		conflicts = append(conflicts, node.PendingConflicts()...)
		writeJSON(w, dedupeConflicts(conflicts))
	})

	mux.HandleFunc("POST /v1/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Source     string `json:"source"`
			Target     string `json:"target"`
			ConflictID string `json:"conflict_id"`
			Choice     string `json:"choice"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		err := coordinator.Resolve(r.Context(), req.Source, req.Target, req.ConflictID, syncer.Resolution(req.Choice))
		if err != nil {
			httpError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, map[string]string{"status": "resolved"})
	})

	mux.HandleFunc("POST /v1/evict", func(w http.ResponseWriter, r *http.Request) {
		report, err := node.Sweep(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, report)
	})

	mux.HandleFunc("POST /v1/compact", func(w http.ResponseWriter, r *http.Request) {
		removed, err := node.Compact(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]int{"removed": removed})
	})

	mux.HandleFunc("POST /v1/rebuild", func(w http.ResponseWriter, r *http.Request) {
		if err := node.RebuildIndex(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rebuilt"})
	})
}

func dedupeConflicts(in []syncer.Conflict) []syncer.Conflict {
	seen := make(map[string]struct{}, len(in))
	out := make([]syncer.Conflict, 0, len(in))
	for _, c := range in {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
