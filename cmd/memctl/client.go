package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coherentops/agentmem/syncer"
)

// adminClient talks to the admin API of a running memctl serve process.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(cfg *fileConfig) *adminClient {
	return &adminClient{
		base: cfg.adminURL(),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *adminClient) post(path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *adminClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("server: %s", e.Error)
		}
		return fmt.Errorf("server: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// runSync triggers a source->target sync and polls until the pair reaches a
// terminal state. A pair left waiting on manual conflicts exits with code 2.
func runSync(cfg *fileConfig, args []string) int {
	if len(args) < 2 {
		log.Printf("memctl: sync requires <source> <target>")
		return exitFailure
	}
	source, target := args[0], args[1]

	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	ownerType := fs.String("owner-type", "", "restrict to owner type")
	ownerID := fs.String("owner-id", "", "restrict to owner id")
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for completion")
	fs.Parse(args[2:])

	client := newAdminClient(cfg)
	req := map[string]string{
		"source":     source,
		"target":     target,
		"owner_type": *ownerType,
		"owner_id":   *ownerID,
	}
	if err := client.post("/v1/sync", req, nil); err != nil {
		log.Printf("memctl: %v", err)
		return exitFailure
	}

	deadline := time.Now().Add(*wait)
	path := fmt.Sprintf("/v1/sync/status?source=%s&target=%s", source, target)
	for {
		var rec syncer.Record
		if err := client.get(path, &rec); err != nil {
			log.Printf("memctl: %v", err)
			return exitFailure
		}
		switch rec.StatusName {
		case syncer.StateCompleted.String():
			fmt.Printf("sync %s -> %s completed (checkpoint %d)\n", source, target, rec.Checkpoint)
			return exitOK
		case syncer.StateConflictPending.String():
			fmt.Printf("sync %s -> %s has %d pending conflicts\n", source, target, len(rec.Conflicts))
			for _, c := range rec.Conflicts {
				fmt.Printf("  %s  %s/%s\n", c.ID, c.Scope, c.Key)
			}
			return exitConflict
		case syncer.StateFailed.String():
			log.Printf("memctl: sync failed: %s", rec.LastError)
			return exitFailure
		}
		if time.Now().After(deadline) {
			log.Printf("memctl: sync %s -> %s still %s after %s", source, target, rec.StatusName, *wait)
			return exitFailure
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// runConflicts lists pending conflicts. A non-empty list exits with code 2.
func runConflicts(cfg *fileConfig) int {
	client := newAdminClient(cfg)
	var conflicts []syncer.Conflict
	if err := client.get("/v1/conflicts", &conflicts); err != nil {
		log.Printf("memctl: %v", err)
		return exitFailure
	}
	if len(conflicts) == 0 {
		fmt.Println("no pending conflicts")
		return exitOK
	}
	for _, c := range conflicts {
		incoming := "(tombstone)"
		if c.Incoming != nil {
			incoming = fmt.Sprintf("v%d from %s", c.Incoming.Version, c.Source)
		}
		local := "(absent)"
		if c.Local != nil {
			local = fmt.Sprintf("v%d", c.Local.Version)
		}
		fmt.Printf("%s  %s/%s  local %s, incoming %s\n", c.ID, c.Scope, c.Key, local, incoming)
	}
	return exitConflict
}

// runResolve applies a resolution choice to one pending conflict.
func runResolve(cfg *fileConfig, args []string) int {
	if len(args) != 4 {
		log.Printf("memctl: resolve requires <source> <target> <conflict-id> <choice>")
		return exitFailure
	}
	source, target, id, choice := args[0], args[1], args[2], args[3]

	client := newAdminClient(cfg)
	req := map[string]string{
		"source":      source,
		"target":      target,
		"conflict_id": id,
		"choice":      choice,
	}
	if err := client.post("/v1/resolve", req, nil); err != nil {
		log.Printf("memctl: %v", err)
		return exitFailure
	}
	fmt.Printf("conflict %s resolved (%s)\n", id, choice)
	return exitOK
}

// runEvict forces a retention sweep on the running node.
func runEvict(cfg *fileConfig) int {
	client := newAdminClient(cfg)
	var report struct {
		Expired int `json:"expired"`
		Evicted int `json:"evicted"`
	}
	if err := client.post("/v1/evict", map[string]string{}, &report); err != nil {
		log.Printf("memctl: %v", err)
		return exitFailure
	}
	fmt.Printf("sweep complete: %d expired, %d evicted\n", report.Expired, report.Evicted)
	return exitOK
}

// runRebuild rebuilds the embedding index from the store, the recovery
// path for index corruption.
func runRebuild(cfg *fileConfig) int {
	client := newAdminClient(cfg)
	if err := client.post("/v1/rebuild", map[string]string{}, nil); err != nil {
		log.Printf("memctl: %v", err)
		return exitFailure
	}
	fmt.Println("index rebuilt from store")
	return exitOK
}
