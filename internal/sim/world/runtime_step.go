package world

import (
	"time"
)

func (w *World) step(cmds []command) (uint64, string) {
	stepStart := time.Now()
	nowTick := w.tick.Load()

	// Mutations apply at the tick boundary, before any agent moves.
	mutations := w.applyCommands(cmds)

	dt := w.cfg.dt()
	for _, a := range w.sortedAgents() {
		w.sched.Step(a, dt)
	}
	w.publishAgentChanges()

	queued, unreachable := w.queueDepths()
	digest := w.stateDigest(nowTick)
	if w.tickLogger != nil {
		_ = w.tickLogger.WriteTick(TickLogEntry{
			Tick:        nowTick,
			Agents:      len(w.agents),
			QueuedJobs:  queued,
			Unreachable: unreachable,
			Regions:     len(w.part.Regions()),
			Commands:    mutations,
			Digest:      digest,
		})
	}

	if w.snapshotSink != nil && nowTick != 0 && w.cfg.SnapshotEveryTicks > 0 {
		if nowTick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
			snap := w.ExportSnapshot(nowTick)
			select {
			case w.snapshotSink <- snap:
			default:
				w.log.WithField("tick", nowTick).Warn("snapshot sink full; dropping snapshot")
			}
		}
	}

	w.tick.Add(1)

	created, destroyed := w.part.Counters()
	w.metrics.Store(WorldMetrics{
		Tick:             nowTick,
		Agents:           len(w.agents),
		Regions:          len(w.part.Regions()),
		RegionsCreated:   created,
		RegionsDestroyed: destroyed,
		LiveJobs:         len(w.jobs),
		QueuedJobs:       queued,
		UnreachableJobs:  unreachable,
		GraphBuilds:      w.graphs.Builds(),
		GraphDiscarded:   w.graphs.Discarded(),
		Observers:        w.agentChanged.len() + w.jobEvents.len() + w.jobCreated.len(),
		QueueDepths:      QueueDepths{Commands: len(w.cmds)},
		StepMS:           float64(time.Since(stepStart).Microseconds()) / 1000.0,
	})
	return nowTick, digest
}

// publishAgentChanges notifies observers of every agent whose view changed this tick.
func (w *World) publishAgentChanges() {
	for _, a := range w.sortedAgents() {
		v := viewOf(a)
		if last, ok := w.views[a.ID]; ok && last.equal(v) {
			continue
		}
		w.views[a.ID] = v
		w.agentChanged.emit(v)
	}
}

func (w *World) queueDepths() (queued, unreachable int) {
	for _, r := range w.part.Regions() {
		queued += r.Queue.Len()
		unreachable += r.Unreachable.Len()
	}
	return queued, unreachable
}
