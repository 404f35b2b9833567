// memctl is the operator surface of an agentmem node.
//
// Usage:
//
//	memctl [-config memctl.yaml] serve
//	memctl [-config memctl.yaml] sync <source> <target>
//	memctl [-config memctl.yaml] conflicts
//	memctl [-config memctl.yaml] resolve <source> <target> <conflict-id> <choice>
//	memctl [-config memctl.yaml] evict
//	memctl [-config memctl.yaml] rebuild
//
// Exit codes: 0 success, 1 generic failure, 2 a conflict requires manual
// resolution.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitConflict = 2
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(exitFailure)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("memctl: %v", err)
		os.Exit(exitFailure)
	}

	var code int
	switch cmd := args[0]; cmd {
	case "serve":
		code = runServe(cfg)
	case "sync":
		code = runSync(cfg, args[1:])
	case "conflicts":
		code = runConflicts(cfg)
	case "resolve":
		code = runResolve(cfg, args[1:])
	case "evict":
		code = runEvict(cfg)
	case "rebuild":
		code = runRebuild(cfg)
	default:
		log.Printf("memctl: unknown command %q", cmd)
		usage()
		code = exitFailure
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintf(os.Stderr, `memctl - operate an agentmem node

Commands:
  serve                                     run a node (sync endpoint + admin API)
  sync <source> <target>                    trigger a sync and wait for its outcome
  conflicts                                 list conflicts pending manual resolution
  resolve <source> <target> <id> <choice>   resolve one conflict (local|incoming|lww|keep_both)
  evict                                     force a retention pass
  rebuild                                   rebuild the embedding index from the store

Flags:
`)
	flag.PrintDefaults()
}
