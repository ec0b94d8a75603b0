package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/logger"
	persistlog "tilecraft.ai/internal/persistence/log"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/scenario"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/sim/world"
	"tilecraft.ai/internal/transport/observer"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		worldID      = flag.String("world", "world_1", "world id")
		configDir    = flag.String("configs", "./configs", "config directory")
		scenarioPath = flag.String("scenario", "", "scenario file to lay out a fresh world (default: <configs>/scenarios/example.json if present)")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite index (ticks, job events, snapshot metadata)")
		width        = flag.Int("width", 64, "map width for a fresh world without scenario")
		height       = flag.Int("height", 64, "map height for a fresh world without scenario")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	root := logger.New()
	log := root.WithField("world", *worldID)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		log.WithError(err).Fatal("load catalogs")
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Fatal("load tuning")
		}
		log.WithField("path", tp).Warn("tuning not found; using defaults")
		tune = tuning.Defaults()
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB, log)
	if err != nil {
		log.WithError(err).Fatal("open index backend")
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			log.WithError(err).Warn("index backend: upsert catalogs")
		}
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(filepath.Join(worldDir, "snapshots"))
	}

	var w *world.World
	if snapshotToLoad != "" {
		w, err = resumeWorld(snapshotToLoad, *worldID, tune, cats, log)
	} else {
		w, err = freshWorld(*worldID, *width, *height, scenarioFile(*scenarioPath, *configDir), tune, cats, log)
	}
	if err != nil {
		log.WithError(err).Fatal("world")
	}

	ctx, cancel := signalContext()
	defer cancel()

	tickLog := persistlog.NewTickLogger(worldDir)
	jobLog := persistlog.NewJobLogger(worldDir)
	defer tickLog.Close()
	defer jobLog.Close()
	if idx != nil {
		w.SetTickLogger(multiTickLogger{tickLog, idx})
		w.SetJobLogger(multiJobLogger{jobLog, idx})
	} else {
		w.SetTickLogger(tickLog)
		w.SetJobLogger(jobLog)
	}

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := snapshot.Path(filepath.Join(worldDir, "snapshots"), snap.Header.Tick)
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					log.WithError(err).Error("snapshot write")
					continue
				}
				log.WithFields(logrus.Fields{"tick": snap.Header.Tick, "path": path}).Info("snapshot written")
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
			}
		}
	}()

	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("world stopped")
		}
	}()

	hub := observer.NewHub(w, cats, log)
	defer hub.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(w, idx, hub))

	enableAdminHTTP := envBool("TC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("TC_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		registerAdmin(mux, w, log)
		obsSrv := observer.NewServer(hub)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		log.Info("admin endpoints disabled (TC_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	log.WithField("addr", *addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("ListenAndServe")
		cancel()
	}
	<-snapDone
	log.WithField("tick", w.CurrentTick()).Info("stopped")
}

func resumeWorld(path, worldID string, tune tuning.Tuning, cats *catalogs.Catalogs, log *logrus.Entry) (*world.World, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if snap.Header.WorldID != "" && snap.Header.WorldID != worldID {
		return nil, errors.New("snapshot world id mismatch: flag=" + worldID + " snap=" + snap.Header.WorldID)
	}
	cfg := world.ConfigFromTuning(worldID, snap.Width, snap.Height, tune)
	if snap.TickRate > 0 {
		cfg.TickRateHz = snap.TickRate
	}
	w, err := world.New(cfg, cats, log)
	if err != nil {
		return nil, err
	}
	if err := w.ImportSnapshot(snap); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"snapshot": filepath.Base(path), "tick": w.CurrentTick()}).Info("resumed from snapshot")
	return w, nil
}

func freshWorld(worldID string, width, height int, scenarioPath string, tune tuning.Tuning, cats *catalogs.Catalogs, log *logrus.Entry) (*world.World, error) {
	cfg := world.ConfigFromTuning(worldID, width, height, tune)
	if scenarioPath == "" {
		return world.New(cfg, cats, log)
	}
	sc, err := scenario.Load(scenarioPath)
	if err != nil {
		return nil, err
	}
	w, err := world.New(sc.Config(cfg), cats, log)
	if err != nil {
		return nil, err
	}
	if err := sc.Apply(w); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"scenario": sc.Name, "agents": len(sc.Agents), "orders": len(sc.Orders)}).Info("scenario applied")
	return w, nil
}

func scenarioFile(flagValue, configDir string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	p := filepath.Join(configDir, "scenarios", "example.json")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
