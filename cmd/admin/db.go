package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tilecraft.ai/internal/logger"
	"tilecraft.ai/internal/persistence/indexdb"
)

// dbCmd queries the sqlite index: `admin db snapshots`, `admin db tick -tick N`,
// `admin db job -job T000001`.
func dbCmd(args []string) {
	fs := newFlagSet("db")
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "world_1", "world id (ignored with -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tick := fs.Uint64("tick", 0, "tick (tick query)")
	jobID := fs.String("job", "", "job id (job query)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fail("open:", err)
	}

	idx, err := indexdb.OpenSQLite(path, logger.Discard())
	if err != nil {
		fail("open:", err)
	}
	defer idx.Close()
	ctx := context.Background()

	switch q {
	case "snapshots":
		rows, err := idx.Snapshots(ctx, *limit)
		if err != nil {
			fail("query:", err)
		}
		for _, r := range rows {
			printJSON(r)
		}

	case "tick":
		d, ok, err := idx.TickDigest(ctx, *tick)
		if err != nil {
			fail("query:", err)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "tick %d not indexed\n", *tick)
			os.Exit(2)
		}
		printJSON(map[string]any{"tick": *tick, "digest": d})

	case "job":
		if strings.TrimSpace(*jobID) == "" {
			fmt.Fprintln(os.Stderr, "missing -job")
			os.Exit(2)
		}
		hist, err := idx.JobHistory(ctx, *jobID)
		if err != nil {
			fail("query:", err)
		}
		for _, e := range hist {
			printJSON(e)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown query %q (want snapshots, tick or job)\n", q)
		os.Exit(2)
	}
}
