// Package scheduler drives one worker agent per call: job acquisition, material hauling,
// movement along A* paths and per-tick work.
package scheduler

import (
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/inventory"
	"tilecraft.ai/internal/sim/jobs"
	"tilecraft.ai/internal/sim/pathfind"
)

type State string

const (
	StateIdle             State = "IDLE"
	StateAwaitingMaterial State = "AWAITING_MATERIAL"
	StateHauling          State = "HAULING"
	StateExecuting        State = "EXECUTING"
)

type Agent struct {
	ID    string
	Pos   grid.Pos
	Speed float64

	// Next is the tile being entered while HasNext is set; Progress runs 0..1.
	Next     grid.Pos
	HasNext  bool
	Progress float64

	Dest grid.Pos
	Path *pathfind.Path

	State   State
	Parent  *jobs.Job
	Current *jobs.Job
	Inv     *inventory.Inventory

	subs map[*jobs.Job][]func()
}

func NewAgent(id string, pos grid.Pos, speed float64, capacity int) *Agent {
	return &Agent{
		ID:    id,
		Pos:   pos,
		Speed: speed,
		State: StateIdle,
		Inv:   inventory.New(capacity),
	}
}

// ActiveJob is the job the agent is executing, else the one it is gathering materials for.
func (a *Agent) ActiveJob() *jobs.Job {
	if a.Current != nil {
		return a.Current
	}
	return a.Parent
}

func (a *Agent) deriveState() {
	switch {
	case a.Current != nil && a.Current.Kind == jobs.KindHaul:
		a.State = StateHauling
	case a.Current != nil:
		a.State = StateExecuting
	case a.Parent != nil:
		a.State = StateAwaitingMaterial
	default:
		a.State = StateIdle
	}
}

func (a *Agent) dropPath() {
	a.Path = nil
	a.HasNext = false
	a.Progress = 0
}

func (a *Agent) unsubscribe(j *jobs.Job) {
	if j == nil {
		return
	}
	for _, u := range a.subs[j] {
		u()
	}
	delete(a.subs, j)
}
