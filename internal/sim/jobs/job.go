// Package jobs holds work units bound to tiles and the per-region FIFO queues that hold them.
package jobs

import (
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/inventory"
)

type Kind string

const (
	KindBuild       Kind = "BUILD"
	KindHaul        Kind = "HAUL"
	KindDeconstruct Kind = "DECONSTRUCT"
)

type HaulMode string

const (
	HaulPickup  HaulMode = "PICKUP"
	HaulDeliver HaulMode = "DELIVER"
)

// Haul describes a synthesized hauling sub-job. Pickup jobs take Count of Item from the job
// tile; deliver jobs hand carried goods to Parent.
type Haul struct {
	Mode   HaulMode
	Item   string
	Count  int
	Parent *Job
}

type Outcome string

const (
	OutcomePending   Outcome = ""
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeCancelled Outcome = "CANCELLED"
)

type subscriber struct {
	id int
	fn func(*Job)
}

type Job struct {
	ID       string
	Kind     Kind
	Tile     grid.Pos
	WorkLeft float64

	// Requirements are the materials still missing, in request order.
	Requirements []inventory.Stack

	StructureType string
	Haul          *Haul

	outcome    Outcome
	onComplete []subscriber
	onCancel   []subscriber
	nextSub    int
}

func New(id string, kind Kind, tile grid.Pos, work float64, reqs []inventory.Stack) *Job {
	j := &Job{ID: id, Kind: kind, Tile: tile, WorkLeft: work}
	for _, r := range reqs {
		if r.Count > 0 {
			j.Requirements = append(j.Requirements, r)
		}
	}
	return j
}

func (j *Job) Outcome() Outcome { return j.outcome }
func (j *Job) Done() bool       { return j.outcome != OutcomePending }

func (j *Job) NeedsMaterial() bool { return len(j.Requirements) > 0 }

// Outstanding is how many of item the job still needs.
func (j *Job) Outstanding(item string) int {
	for _, r := range j.Requirements {
		if r.Item == item {
			return r.Count
		}
	}
	return 0
}

// Deliver applies up to n of item against the requirements and returns how many were used.
// Fully met entries are removed.
func (j *Job) Deliver(item string, n int) int {
	for i, r := range j.Requirements {
		if r.Item != item {
			continue
		}
		used := n
		if used > r.Count {
			used = r.Count
		}
		if used <= 0 {
			return 0
		}
		j.Requirements[i].Count -= used
		if j.Requirements[i].Count == 0 {
			j.Requirements = append(j.Requirements[:i:i], j.Requirements[i+1:]...)
		}
		return used
	}
	return 0
}

func (j *Job) subscribe(list *[]subscriber, fn func(*Job)) func() {
	j.nextSub++
	id := j.nextSub
	*list = append(*list, subscriber{id: id, fn: fn})
	return func() {
		for i, s := range *list {
			if s.id == id {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

// OnComplete registers fn to run once when the job's work finishes.
func (j *Job) OnComplete(fn func(*Job)) (unsubscribe func()) {
	return j.subscribe(&j.onComplete, fn)
}

// OnCancel registers fn to run once if the job is cancelled.
func (j *Job) OnCancel(fn func(*Job)) (unsubscribe func()) {
	return j.subscribe(&j.onCancel, fn)
}

func fire(list []subscriber, j *Job) {
	subs := append([]subscriber(nil), list...)
	for _, s := range subs {
		s.fn(j)
	}
}

// DoWork spends dt of work time and reports whether the job completed on this call.
func (j *Job) DoWork(dt float64) bool {
	if j.Done() {
		return false
	}
	j.WorkLeft -= dt
	if j.WorkLeft > 0 {
		return false
	}
	j.WorkLeft = 0
	j.outcome = OutcomeCompleted
	fire(j.onComplete, j)
	j.clearSubscribers()
	return true
}

// Cancel terminates a pending job and notifies cancellation subscribers. Later calls are no-ops.
func (j *Job) Cancel() bool {
	if j.Done() {
		return false
	}
	j.outcome = OutcomeCancelled
	fire(j.onCancel, j)
	j.clearSubscribers()
	return true
}

func (j *Job) clearSubscribers() {
	j.onComplete = nil
	j.onCancel = nil
}

// Subscribers reports the number of live completion and cancellation subscriptions.
func (j *Job) Subscribers() int { return len(j.onComplete) + len(j.onCancel) }

// Restore sets the terminal outcome on a job rebuilt from a snapshot without firing callbacks.
func (j *Job) Restore(o Outcome) { j.outcome = o }
