package world

import (
	"tilecraft.ai/internal/sim/inventory"
	"tilecraft.ai/internal/sim/scheduler"
)

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type JobLogger interface {
	WriteJobEvent(entry JobLogEntry) error
}

type TickLogEntry struct {
	Tick        uint64 `json:"tick"`
	Agents      int    `json:"agents"`
	QueuedJobs  int    `json:"queued_jobs"`
	Unreachable int    `json:"unreachable_jobs"`
	Regions     int    `json:"regions"`
	Commands    int    `json:"commands,omitempty"`
	Digest      string `json:"digest"`
}

type JobLogEntry struct {
	Tick    uint64 `json:"tick"`
	JobID   string `json:"job_id"`
	Kind    string `json:"kind"`
	Event   string `json:"event"`
	AgentID string `json:"agent_id,omitempty"`
	Region  int    `json:"region,omitempty"`
	Pos     [2]int `json:"pos"`
	Reason  string `json:"reason,omitempty"`
}

// Job events emitted by the world itself, next to the scheduler's.
const (
	EventCreated = "CREATED"
	EventRemoved = "REMOVED"
)

// AgentView is the observable state of one agent.
type AgentView struct {
	ID      string            `json:"id"`
	Pos     [2]int            `json:"pos"`
	Next    *[2]int           `json:"next,omitempty"`
	State   string            `json:"state"`
	JobID   string            `json:"job_id,omitempty"`
	Parent  string            `json:"parent_job_id,omitempty"`
	Carried []inventory.Stack `json:"carried,omitempty"`
}

func viewOf(a *scheduler.Agent) AgentView {
	v := AgentView{
		ID:      a.ID,
		Pos:     a.Pos.ToArray(),
		State:   string(a.State),
		Carried: a.Inv.Items(),
	}
	if a.HasNext {
		n := a.Next.ToArray()
		v.Next = &n
	}
	if a.Current != nil {
		v.JobID = a.Current.ID
	}
	if a.Parent != nil {
		v.Parent = a.Parent.ID
	}
	return v
}

func (v AgentView) equal(o AgentView) bool {
	if v.ID != o.ID || v.Pos != o.Pos || v.State != o.State || v.JobID != o.JobID || v.Parent != o.Parent {
		return false
	}
	if (v.Next == nil) != (o.Next == nil) || (v.Next != nil && *v.Next != *o.Next) {
		return false
	}
	if len(v.Carried) != len(o.Carried) {
		return false
	}
	for i := range v.Carried {
		if v.Carried[i] != o.Carried[i] {
			return false
		}
	}
	return true
}

// JobView describes a job for observers and logs.
type JobView struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Pos          [2]int            `json:"pos"`
	WorkLeft     float64           `json:"work_left"`
	Requirements []inventory.Stack `json:"requirements,omitempty"`
	Structure    string            `json:"structure,omitempty"`
	Region       int               `json:"region,omitempty"`
}

// JobEvent is one job lifecycle notification.
type JobEvent struct {
	Tick    uint64  `json:"tick"`
	Event   string  `json:"event"`
	Job     JobView `json:"job"`
	AgentID string  `json:"agent_id,omitempty"`
}

// TileView describes the persistent content of one tile.
type TileView struct {
	Pos       [2]int            `json:"pos"`
	Floor     float64           `json:"floor"`
	Structure string            `json:"structure,omitempty"`
	Built     bool              `json:"built,omitempty"`
	DoorOpen  bool              `json:"door_open,omitempty"`
	Locked    bool              `json:"locked,omitempty"`
	Items     []inventory.Stack `json:"items,omitempty"`
	Region    int               `json:"region,omitempty"`
}
