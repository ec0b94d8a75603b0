package world

// WorldMetrics is a thread-safe read-only view of key world runtime signals.
// It is updated from the world loop goroutine and read from HTTP handlers/tests.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`

	Agents           int `json:"agents"`
	Regions          int `json:"regions"`
	RegionsCreated   int `json:"regions_created"`
	RegionsDestroyed int `json:"regions_destroyed"`

	LiveJobs        int `json:"live_jobs"`
	QueuedJobs      int `json:"queued_jobs"`
	UnreachableJobs int `json:"unreachable_jobs"`

	GraphBuilds    uint64 `json:"graph_builds"`
	GraphDiscarded uint64 `json:"graph_discarded"`

	Observers   int         `json:"observers"`
	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`
}

type QueueDepths struct {
	Commands int `json:"commands"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	v := w.metrics.Load()
	if v == nil {
		return WorldMetrics{}
	}
	m, ok := v.(WorldMetrics)
	if !ok {
		return WorldMetrics{}
	}
	return m
}
