package world

import (
	"context"
	"errors"

	"tilecraft.ai/internal/sim/grid"
)

// command is work submitted from another goroutine. It is applied at the next tick boundary,
// before agents step. Read commands do not count as external input in the tick log.
type command struct {
	Name string
	Fn   func(w *World) (any, error)
	Resp chan commandResp
	Read bool
}

type commandResp struct {
	Value any
	Err   error
}

var (
	ErrWorldStopped     = errors.New("world not running")
	ErrNoSnapshotSink   = errors.New("snapshot sink not configured")
	ErrSnapshotSinkFull = errors.New("snapshot sink full")
)

// Submit queues the mutation fn for the world goroutine and waits for its result.
func (w *World) Submit(ctx context.Context, name string, fn func(w *World) (any, error)) (any, error) {
	return w.submit(ctx, command{Name: name, Fn: fn})
}

// SubmitRead is Submit for fn that only reads world state or touches state outside the
// simulation (snapshot sinks, observer registration).
func (w *World) SubmitRead(ctx context.Context, name string, fn func(w *World) (any, error)) (any, error) {
	return w.submit(ctx, command{Name: name, Fn: fn, Read: true})
}

func (w *World) submit(ctx context.Context, c command) (any, error) {
	if w == nil || w.cmds == nil {
		return nil, ErrWorldStopped
	}
	resp := make(chan commandResp, 1)
	c.Resp = resp
	select {
	case w.cmds <- c:
	case <-w.stop:
		return nil, ErrWorldStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.Value, r.Err
	case <-w.stop:
		return nil, ErrWorldStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// applyCommands runs cmds in submission order and returns how many were mutations.
func (w *World) applyCommands(cmds []command) (mutations int) {
	for _, c := range cmds {
		if !c.Read {
			mutations++
		}
		v, err := c.Fn(w)
		if err != nil {
			w.log.WithError(err).WithField("command", c.Name).Debug("command rejected")
		}
		if c.Resp != nil {
			c.Resp <- commandResp{Value: v, Err: err}
		}
	}
	return mutations
}

// RequestBuild posts a BUILD job from another goroutine and returns its id.
func (w *World) RequestBuild(ctx context.Context, pos grid.Pos, structureType string) (string, error) {
	v, err := w.Submit(ctx, "build", func(w *World) (any, error) { return w.PostBuild(pos, structureType) })
	id, _ := v.(string)
	return id, err
}

func (w *World) RequestRemove(ctx context.Context, pos grid.Pos) error {
	_, err := w.Submit(ctx, "remove", func(w *World) (any, error) { return nil, w.RemoveStructure(pos) })
	return err
}

func (w *World) RequestDrop(ctx context.Context, pos grid.Pos, item string, n int) (int, error) {
	v, err := w.Submit(ctx, "drop", func(w *World) (any, error) { return w.DropItems(pos, item, n) })
	placed, _ := v.(int)
	return placed, err
}

// StateView is a consistent read of the world taken between ticks.
type StateView struct {
	WorldID string       `json:"world_id"`
	Tick    uint64       `json:"tick"`
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Agents  []AgentView  `json:"agents"`
	Jobs    []JobView    `json:"jobs"`
	Regions []RegionView `json:"regions"`
}

type RegionView struct {
	ID          int            `json:"id"`
	Outside     bool           `json:"outside"`
	Tiles       int            `json:"tiles"`
	Tally       map[string]int `json:"tally,omitempty"`
	Queued      int            `json:"queued"`
	Unreachable int            `json:"unreachable"`
}

func (w *World) State() StateView {
	s := StateView{
		WorldID: w.cfg.ID,
		Tick:    w.tick.Load(),
		Width:   w.cfg.Width,
		Height:  w.cfg.Height,
		Agents:  w.Agents(),
		Jobs:    w.Jobs(),
	}
	for _, r := range w.part.Regions() {
		s.Regions = append(s.Regions, RegionView{
			ID:          r.ID,
			Outside:     r.Outside,
			Tiles:       r.Len(),
			Tally:       r.Tally(),
			Queued:      r.Queue.Len(),
			Unreachable: r.Unreachable.Len(),
		})
	}
	return s
}

func (w *World) RequestState(ctx context.Context) (StateView, error) {
	v, err := w.SubmitRead(ctx, "state", func(w *World) (any, error) { return w.State(), nil })
	s, _ := v.(StateView)
	return s, err
}

// RequestSnapshot hands a snapshot of the last completed tick to the snapshot sink and returns
// that tick.
func (w *World) RequestSnapshot(ctx context.Context) (uint64, error) {
	v, err := w.SubmitRead(ctx, "snapshot", func(w *World) (any, error) { return w.queueSnapshot() })
	tick, _ := v.(uint64)
	return tick, err
}

// queueSnapshot runs at the tick boundary, so the state is that of the tick before the current one.
func (w *World) queueSnapshot() (uint64, error) {
	var tick uint64
	if cur := w.tick.Load(); cur > 0 {
		tick = cur - 1
	}
	if w.snapshotSink == nil {
		return tick, ErrNoSnapshotSink
	}
	select {
	case w.snapshotSink <- w.ExportSnapshot(tick):
		return tick, nil
	default:
		return tick, ErrSnapshotSinkFull
	}
}
