package observer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/logger"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/encoding"
	"tilecraft.ai/internal/sim/inventory"
	"tilecraft.ai/internal/sim/world"
)

// Hub fans agent and job notifications out to observer sessions. Notifications arrive on the
// world goroutine and are marshalled once; each session owns a bounded outbox that drops its
// oldest frame when full, so a slow observer never stalls the simulation.
type Hub struct {
	world *world.World
	cats  *catalogs.Catalogs
	log   *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session
	unsub    []func()

	dropped atomic.Uint64
}

type session struct {
	id     string
	out    chan []byte
	agents atomic.Bool
	jobs   atomic.Bool
}

const outboxSize = 256

func NewHub(w *world.World, cats *catalogs.Catalogs, log *logrus.Entry) *Hub {
	h := &Hub{
		world:    w,
		cats:     cats,
		log:      logger.Or(log).WithField("component", "observer"),
		sessions: map[string]*session{},
	}
	h.unsub = append(h.unsub,
		w.OnAgentChanged(h.onAgent),
		w.OnJobEvent(h.onJob),
	)
	return h
}

// Close detaches from the world and closes every session outbox.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range h.unsub {
		u()
	}
	h.unsub = nil
	for id, s := range h.sessions {
		close(s.out)
		delete(h.sessions, id)
	}
}

func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Dropped counts frames discarded because an outbox was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// join builds the bootstrap and registers a session in one world command, so the session sees
// exactly the updates that follow its bootstrap.
func (h *Hub) join(ctx context.Context, streams []string) (*session, protocol.BootstrapMsg, error) {
	s := &session{id: uuid.NewString(), out: make(chan []byte, outboxSize)}
	s.setStreams(streams)
	v, err := h.world.SubmitRead(ctx, "observer_join", func(w *world.World) (any, error) {
		boot, err := buildBootstrap(w, h.cats)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.sessions[s.id] = s
		h.mu.Unlock()
		return boot, nil
	})
	if err != nil {
		return nil, protocol.BootstrapMsg{}, err
	}
	boot := v.(protocol.BootstrapMsg)
	boot.SessionID = s.id
	h.log.WithField("session", s.id).Info("observer joined")
	return s, boot, nil
}

func (h *Hub) leave(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; !ok {
		return
	}
	delete(h.sessions, s.id)
	close(s.out)
	h.log.WithField("session", s.id).Info("observer left")
}

// Bootstrap builds a bootstrap message on the world goroutine without opening a session.
func (h *Hub) Bootstrap(ctx context.Context) (protocol.BootstrapMsg, error) {
	v, err := h.world.SubmitRead(ctx, "observer_bootstrap", func(w *world.World) (any, error) {
		return buildBootstrap(w, h.cats)
	})
	if err != nil {
		return protocol.BootstrapMsg{}, err
	}
	return v.(protocol.BootstrapMsg), nil
}

func (s *session) setStreams(streams []string) {
	if len(streams) == 0 {
		s.agents.Store(true)
		s.jobs.Store(true)
		return
	}
	s.agents.Store(false)
	s.jobs.Store(false)
	for _, st := range streams {
		switch st {
		case protocol.StreamAgents:
			s.agents.Store(true)
		case protocol.StreamJobs:
			s.jobs.Store(true)
		}
	}
}

func (h *Hub) onAgent(v world.AgentView) {
	b, err := json.Marshal(protocol.AgentMsg{
		Type:            protocol.TypeAgent,
		ProtocolVersion: protocol.Version,
		Tick:            h.world.CurrentTick(),
		Agent:           agentState(v),
	})
	if err != nil {
		h.log.WithError(err).Error("marshal agent message")
		return
	}
	h.broadcast(b, func(s *session) bool { return s.agents.Load() })
}

func (h *Hub) onJob(e world.JobEvent) {
	b, err := json.Marshal(protocol.JobMsg{
		Type:            protocol.TypeJob,
		ProtocolVersion: protocol.Version,
		Tick:            e.Tick,
		Event:           e.Event,
		AgentID:         e.AgentID,
		Job:             jobState(e.Job),
	})
	if err != nil {
		h.log.WithError(err).Error("marshal job message")
		return
	}
	h.broadcast(b, func(s *session) bool { return s.jobs.Load() })
}

func (h *Hub) broadcast(b []byte, want func(*session) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		if want(s) && sendLatest(s.out, b) {
			h.dropped.Add(1)
		}
	}
}

// sendLatest enqueues b, discarding the oldest queued frame when ch is full. It reports whether
// a frame was lost.
func sendLatest(ch chan []byte, b []byte) (dropped bool) {
	select {
	case ch <- b:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
	return true
}

func buildBootstrap(w *world.World, cats *catalogs.Catalogs) (protocol.BootstrapMsg, error) {
	g := w.Grid()
	n := g.Len()
	costs := make([]float64, n)
	var structures []protocol.StructureState
	var stacks []protocol.StackState
	for i := 0; i < n; i++ {
		t := g.ByIndex(i)
		pos := g.PosOf(i).ToArray()
		costs[i] = t.Floor
		if st := t.Structure; st != nil {
			ss := protocol.StructureState{Pos: pos, Type: st.Type, Built: st.Constructed}
			if d, ok := st.Door(); ok {
				ss.DoorOpen = d.Open
				ss.Locked = d.Locked
			}
			structures = append(structures, ss)
		}
		if t.Stack != nil && t.Stack.Count > 0 {
			stacks = append(stacks, protocol.StackState{Pos: pos, Item: t.Stack.Item, Count: t.Stack.Count})
		}
	}
	floor, err := encoding.EncodeFloor(costs)
	if err != nil {
		return protocol.BootstrapMsg{}, err
	}

	msg := protocol.BootstrapMsg{
		Type:            protocol.TypeBootstrap,
		ProtocolVersion: protocol.Version,
		WorldID:         w.ID(),
		Tick:            w.CurrentTick(),
		TickRateHz:      w.TickRateHz(),
		Width:           g.Width(),
		Height:          g.Height(),
		Floor:           protocol.FloorLayer{Palette: floor.Palette, Encoding: floor.Encoding, Data: floor.Data},
		Structures:      structures,
		Stacks:          stacks,
	}
	if cats != nil {
		msg.Catalogs = protocol.CatalogDigests{
			Structures: protocol.DigestRef{Digest: cats.Structures.PaletteDigest, Count: len(cats.Structures.Palette)},
			Items:      protocol.DigestRef{Digest: cats.Items.PaletteDigest, Count: len(cats.Items.Palette)},
		}
	}
	for _, a := range w.Agents() {
		msg.Agents = append(msg.Agents, agentState(a))
	}
	for _, j := range w.Jobs() {
		msg.Jobs = append(msg.Jobs, jobState(j))
	}
	return msg, nil
}

func agentState(v world.AgentView) protocol.AgentState {
	return protocol.AgentState{
		ID:      v.ID,
		Pos:     v.Pos,
		Next:    v.Next,
		State:   v.State,
		JobID:   v.JobID,
		Parent:  v.Parent,
		Carried: itemCounts(v.Carried),
	}
}

func jobState(v world.JobView) protocol.JobState {
	return protocol.JobState{
		ID:           v.ID,
		Kind:         v.Kind,
		Pos:          v.Pos,
		WorkLeft:     v.WorkLeft,
		Requirements: itemCounts(v.Requirements),
		Structure:    v.Structure,
		Region:       v.Region,
	}
}

func itemCounts(in []inventory.Stack) []protocol.ItemCount {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.ItemCount, 0, len(in))
	for _, s := range in {
		out = append(out, protocol.ItemCount{Item: s.Item, Count: s.Count})
	}
	return out
}
