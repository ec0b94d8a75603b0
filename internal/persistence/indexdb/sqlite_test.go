package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/sim/world"
)

func TestSQLiteIndex_WritesAndQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	idx, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	for tick := uint64(0); tick < 3; tick++ {
		_ = idx.WriteTick(world.TickLogEntry{Tick: tick, Agents: 2, QueuedJobs: 1, Digest: "d" + string(rune('0'+tick))})
	}
	_ = idx.WriteJobEvent(world.JobLogEntry{Tick: 1, JobID: "T000001", Kind: "BUILD", Event: world.EventCreated, Region: 1, Pos: [2]int{4, 5}})
	_ = idx.WriteJobEvent(world.JobLogEntry{Tick: 1, JobID: "T000001", Kind: "BUILD", Event: "ASSIGNED", AgentID: "A1", Region: 1, Pos: [2]int{4, 5}})
	_ = idx.WriteJobEvent(world.JobLogEntry{Tick: 2, JobID: "T000002", Kind: "HAUL", Event: "HAUL_CREATED", AgentID: "A1"})
	_ = idx.WriteJobEvent(world.JobLogEntry{Tick: 9, JobID: "T000001", Kind: "BUILD", Event: "COMPLETED", AgentID: "A1", Region: 1, Pos: [2]int{4, 5}})
	idx.RecordSnapshot("/data/5.snap.zst", snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, Tick: 5, Digest: "abc"},
		Width:  8, Height: 6,
		Agents: []snapshot.AgentV1{{ID: "A1"}},
	})
	idx.RecordSnapshot("/data/10.snap.zst", snapshot.SnapshotV1{Header: snapshot.Header{Version: snapshot.Version, Tick: 10}})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	idx, err = OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	d, ok, err := idx.TickDigest(ctx, 2)
	if err != nil || !ok || d != "d2" {
		t.Fatalf("TickDigest: %q %v %v", d, ok, err)
	}
	if _, ok, _ := idx.TickDigest(ctx, 99); ok {
		t.Fatalf("unexpected digest for tick 99")
	}

	hist, err := idx.JobHistory(ctx, "T000001")
	if err != nil {
		t.Fatalf("JobHistory: %v", err)
	}
	if len(hist) != 3 || hist[0].Event != world.EventCreated || hist[1].Event != "ASSIGNED" || hist[2].Event != "COMPLETED" {
		t.Fatalf("history=%+v", hist)
	}

	snap, ok, err := idx.LatestSnapshot(ctx, 0)
	if err != nil || !ok || snap.Tick != 10 {
		t.Fatalf("LatestSnapshot: %+v %v %v", snap, ok, err)
	}
	snap, ok, err = idx.LatestSnapshot(ctx, 7)
	if err != nil || !ok || snap.Tick != 5 || snap.Path != "/data/5.snap.zst" || snap.Agents != 1 || snap.Width != 8 {
		t.Fatalf("LatestSnapshot(7): %+v %v %v", snap, ok, err)
	}
	list, err := idx.Snapshots(ctx, 0)
	if err != nil || len(list) != 2 || list[0].Tick != 10 || list[1].Tick != 5 {
		t.Fatalf("Snapshots: %+v %v", list, err)
	}
}

func TestSQLiteIndex_UpsertCatalogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	configDir := filepath.Join("..", "..", "..", "configs")
	cats, err := catalogs.Load(configDir)
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}

	idx, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := idx.UpsertCatalogs(configDir, cats, tuning.Defaults()); err != nil {
		t.Fatalf("UpsertCatalogs: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var digest string
	if err := db.QueryRow(`SELECT digest FROM catalogs WHERE name='structures_defs'`).Scan(&digest); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if digest != cats.Structures.DefsDigest {
		t.Fatalf("digest=%s want %s", digest, cats.Structures.DefsDigest)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM catalogs`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("catalog rows=%d want 5", n)
	}
}
