package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"tilecraft.ai/internal/logger"
	"tilecraft.ai/internal/persistence/indexdb"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/sim/world"
)

type options struct {
	SnapshotPath string
	DBPath       string
	TicksDir     string
	ConfigDir    string
	TuningPath   string
	Steps        uint64
	ToTick       uint64
}

func main() {
	var opts options
	flag.StringVar(&opts.SnapshotPath, "snapshot", "", "path to .snap.zst (default: latest recorded in -db)")
	flag.StringVar(&opts.DBPath, "db", "", "sqlite index to locate snapshots and verify digests (optional)")
	flag.StringVar(&opts.TicksDir, "ticks", "", "tick log dir containing ticks-*.jsonl.zst (optional)")
	flag.StringVar(&opts.ConfigDir, "configs", "./configs", "config directory")
	flag.StringVar(&opts.TuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	flag.Uint64Var(&opts.Steps, "steps", 0, "ticks to simulate past the snapshot when no tick log is given")
	flag.Uint64Var(&opts.ToTick, "to_tick", 0, "stop at tick (inclusive, optional)")
	flag.Parse()

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	var idx *indexdb.SQLiteIndex
	if opts.DBPath != "" {
		var err error
		idx, err = indexdb.OpenSQLite(opts.DBPath, logger.Discard())
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
	}

	path := opts.SnapshotPath
	if path == "" {
		if idx == nil {
			return errors.New("missing -snapshot (or -db)")
		}
		row, ok, err := idx.LatestSnapshot(ctx, opts.ToTick)
		if err != nil {
			return fmt.Errorf("latest snapshot: %w", err)
		}
		if !ok {
			return errors.New("index has no snapshots")
		}
		path = row.Path
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	fmt.Fprintf(out, "snapshot v%d world=%s tick=%d size=%dx%d agents=%d jobs=%d regions=%d structures=%d stacks=%d digest=%s\n",
		snap.Header.Version, snap.Header.WorldID, snap.Header.Tick, snap.Width, snap.Height,
		len(snap.Agents), len(snap.Jobs), len(snap.Regions), len(snap.Structures), len(snap.Stacks), snap.Header.Digest)

	if opts.TicksDir == "" && opts.Steps == 0 {
		return nil
	}

	cats, err := catalogs.Load(opts.ConfigDir)
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}
	tp := opts.TuningPath
	if tp == "" {
		tp = filepath.Join(opts.ConfigDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load tuning: %w", err)
		}
		tune = tuning.Defaults()
	}
	cfg := world.ConfigFromTuning(snap.Header.WorldID, snap.Width, snap.Height, tune)
	if snap.TickRate > 0 {
		cfg.TickRateHz = snap.TickRate
	}
	// Background graph builds finish on wall-clock time; replay needs them on the tick.
	cfg.GraphRebuildAsync = false
	cfg.SnapshotEveryTicks = 0
	w, err := world.New(cfg, cats, logger.Discard())
	if err != nil {
		return fmt.Errorf("world: %w", err)
	}
	if err := w.ImportSnapshot(snap); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	if opts.TicksDir != "" {
		return replayLogs(w, opts.TicksDir, opts.ToTick, out)
	}
	return simulate(ctx, w, idx, opts.Steps, opts.ToTick, out)
}

// replayLogs steps w through the recorded ticks and checks each digest. Verification ends at the
// first tick that applied external commands, since those inputs are not part of the tick log.
func replayLogs(w *world.World, dir string, toTick uint64, out io.Writer) error {
	files, err := listTickFiles(dir)
	if err != nil {
		return fmt.Errorf("list tick logs: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no tick logs found in %s", dir)
	}
	start := w.CurrentTick()
	var checked uint64
	for _, path := range files {
		stop, err := replayFile(w, path, start, toTick, &checked)
		if err != nil {
			return err
		}
		if stop != "" {
			fmt.Fprintf(out, "replay stopped: %s\n", stop)
			break
		}
	}
	fmt.Fprintf(out, "replay ok: checked=%d ticks (from tick=%d)\n", checked, start)
	return nil
}

func simulate(ctx context.Context, w *world.World, idx *indexdb.SQLiteIndex, steps, toTick uint64, out io.Writer) error {
	var checked uint64
	for i := uint64(0); i < steps; i++ {
		if toTick != 0 && w.CurrentTick() > toTick {
			break
		}
		tick, digest := w.StepOnce()
		if idx == nil {
			fmt.Fprintf(out, "tick=%d digest=%s\n", tick, digest)
			continue
		}
		want, ok, err := idx.TickDigest(ctx, tick)
		if err != nil {
			return fmt.Errorf("tick digest %d: %w", tick, err)
		}
		if !ok {
			continue
		}
		checked++
		if want != digest {
			return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", tick, digest, want)
		}
	}
	if idx != nil {
		fmt.Fprintf(out, "simulate ok: checked=%d ticks against index\n", checked)
	}
	return nil
}

func listTickFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "ticks-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func replayFile(w *world.World, path string, startTick, toTick uint64, checked *uint64) (stop string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return "", err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		var entry world.TickLogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return "", fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if entry.Tick < startTick {
			continue
		}
		if toTick != 0 && entry.Tick > toTick {
			return "to_tick reached", nil
		}
		if entry.Tick != w.CurrentTick() {
			return "", fmt.Errorf("tick mismatch: want=%d got=%d (file=%s)", w.CurrentTick(), entry.Tick, filepath.Base(path))
		}
		if entry.Commands > 0 {
			return fmt.Sprintf("tick %d applied %d external commands", entry.Tick, entry.Commands), nil
		}

		tick, got := w.StepOnce()
		if tick != entry.Tick {
			return "", fmt.Errorf("internal tick mismatch: stepped=%d entry=%d (file=%s)", tick, entry.Tick, filepath.Base(path))
		}
		*checked++
		if got != entry.Digest {
			return "", fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", tick, got, entry.Digest)
		}
	}
	return "", sc.Err()
}
