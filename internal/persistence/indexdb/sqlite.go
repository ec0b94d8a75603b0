package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"tilecraft.ai/internal/logger"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/sim/world"
)

// SQLiteIndex is a queryable read model of the tick and job logs. Writes are queued to a single
// writer goroutine and dropped when it falls behind; the JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db  *sql.DB
	log *logrus.Entry

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropJob      atomic.Uint64
	dropSnapshot atomic.Uint64
	commitFail   atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqJob
	reqSnapshot
)

type req struct {
	kind reqKind

	tick     world.TickLogEntry
	job      world.JobLogEntry
	snapshot SnapshotRow
}

// SnapshotRow describes one snapshot file written by the server.
type SnapshotRow struct {
	Tick       uint64
	Path       string
	Digest     string
	Width      int
	Height     int
	Agents     int
	Jobs       int
	Regions    int
	Structures int
}

// Stats reports queue pressure for /metrics.
type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropJobTotal      uint64 `json:"drop_job_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	CommitFailTotal   uint64 `json:"commit_fail_total"`
}

func OpenSQLite(path string, log *logrus.Entry) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		log: logger.Or(log).WithField("component", "indexdb"),
		// Job events burst when many agents haul at once.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			agents INTEGER NOT NULL,
			queued_jobs INTEGER NOT NULL,
			unreachable_jobs INTEGER NOT NULL,
			regions INTEGER NOT NULL,
			commands INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS job_events (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			job_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			event TEXT NOT NULL,
			agent_id TEXT,
			region INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, tick, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_agent_tick ON job_events(agent_id, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			digest TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			jobs INTEGER NOT NULL,
			regions INTEGER NOT NULL,
			structures INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, commits and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqTick, tick: entry}, &s.dropTick)
	return nil
}

func (s *SQLiteIndex) WriteJobEvent(entry world.JobLogEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqJob, job: entry}, &s.dropJob)
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: SnapshotRow{
		Tick:       snap.Header.Tick,
		Path:       path,
		Digest:     snap.Header.Digest,
		Width:      snap.Width,
		Height:     snap.Height,
		Agents:     len(snap.Agents),
		Jobs:       len(snap.Jobs),
		Regions:    len(snap.Regions),
		Structures: len(snap.Structures),
	}}, &s.dropSnapshot)
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropJobTotal:      s.dropJob.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		CommitFailTotal:   s.commitFail.Load(),
	}
}

// UpsertCatalogs stores the catalog files and effective tuning the server runs with, keyed by
// digest, so an index can be matched with the configuration that produced it.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	read := func(name, file, digest string) {
		if configDir == "" {
			return
		}
		b, err := os.ReadFile(filepath.Join(configDir, file))
		if err != nil {
			return
		}
		rows = append(rows, kv{name: name, digest: digest, json: b})
	}
	if cats != nil {
		read("structures_defs", "structures.json", cats.Structures.DefsDigest)
		read("items_defs", "items.json", cats.Items.DefsDigest)
		if b, _ := json.Marshal(cats.Structures.Palette); len(b) > 0 {
			rows = append(rows, kv{name: "structures_palette", digest: cats.Structures.PaletteDigest, json: b})
		}
		if b, _ := json.Marshal(cats.Items.Palette); len(b) > 0 {
			rows = append(rows, kv{name: "items_palette", digest: cats.Items.PaletteDigest, json: b})
		}
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,digest,agents,queued_jobs,unreachable_jobs,regions,commands) VALUES(?,?,?,?,?,?,?)`)
	insertJob, _ := s.db.Prepare(`INSERT OR REPLACE INTO job_events(tick,seq,job_id,kind,event,agent_id,region,x,y,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,digest,width,height,agents,jobs,regions,structures) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertJob, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = 2 * time.Second

		lastJobTick uint64
		jobSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.commitFail.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.commitFail.Add(1)
			s.log.WithError(err).Warn("index commit failed")
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		if tx == nil {
			return
		}
		s.log.WithError(err).Warn("index write failed; batch rolled back")
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushTicker := time.NewTicker(commitMaxWait)
	defer flushTicker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-flushTicker.C:
			// Idle batches must not hold the only connection.
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		var err error
		switch r.kind {
		case reqTick:
			t := r.tick
			if insertTick != nil {
				_, err = tx.Stmt(insertTick).Exec(int64(t.Tick), t.Digest, t.Agents, t.QueuedJobs, t.Unreachable, t.Regions, t.Commands)
			}
		case reqJob:
			e := r.job
			if e.Tick != lastJobTick {
				lastJobTick = e.Tick
				jobSeq = 0
			}
			seq := jobSeq
			jobSeq++
			raw, _ := json.Marshal(e)
			if insertJob != nil {
				_, err = tx.Stmt(insertJob).Exec(int64(e.Tick), seq, e.JobID, e.Kind, e.Event, e.AgentID, e.Region, e.Pos[0], e.Pos[1], e.Reason, string(raw))
			}
		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				_, err = tx.Stmt(insertSnapshot).Exec(int64(sn.Tick), sn.Path, sn.Digest, sn.Width, sn.Height, sn.Agents, sn.Jobs, sn.Regions, sn.Structures)
			}
		}
		if err != nil {
			rollback(err)
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
}
