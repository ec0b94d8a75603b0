package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/inventory"
	"tilecraft.ai/internal/sim/jobs"
)

func (w *World) stateDigest(nowTick uint64) string {
	h := sha256.New()
	var tmp [8]byte

	digestWriteU64(h, &tmp, nowTick)
	digestWriteU64(h, &tmp, uint64(w.cfg.Width))
	digestWriteU64(h, &tmp, uint64(w.cfg.Height))
	digestWriteU64(h, &tmp, w.nextJobNum)
	digestWriteU64(h, &tmp, w.nextAgentNum)
	digestWriteU64(h, &tmp, uint64(w.part.NextID()))

	w.digestTiles(h, &tmp)
	w.digestRegions(h, &tmp)
	w.digestJobs(h, &tmp)
	w.digestAgents(h, &tmp)

	return hex.EncodeToString(h.Sum(nil))
}

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

func digestWriteU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestWriteI64(h hashWriter, tmp *[8]byte, v int64) {
	digestWriteU64(h, tmp, uint64(v))
}

func digestWriteF64(h hashWriter, tmp *[8]byte, v float64) {
	digestWriteU64(h, tmp, math.Float64bits(v))
}

func digestWriteString(h hashWriter, tmp *[8]byte, s string) {
	digestWriteU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}

func digestWritePos(h hashWriter, tmp *[8]byte, p grid.Pos) {
	digestWriteI64(h, tmp, int64(p.X))
	digestWriteI64(h, tmp, int64(p.Y))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeStacks(h hashWriter, tmp *[8]byte, stacks []inventory.Stack) {
	digestWriteU64(h, tmp, uint64(len(stacks)))
	for _, st := range stacks {
		digestWriteString(h, tmp, st.Item)
		digestWriteI64(h, tmp, int64(st.Count))
	}
}

func writeItemMap(h hashWriter, tmp *[8]byte, m map[string]int) {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	digestWriteU64(h, tmp, uint64(len(keys)))
	for _, k := range keys {
		digestWriteString(h, tmp, k)
		digestWriteI64(h, tmp, int64(m[k]))
	}
}

func jobID(j *jobs.Job) string {
	if j == nil {
		return ""
	}
	return j.ID
}

func (w *World) digestTiles(h hashWriter, tmp *[8]byte) {
	for i := 0; i < w.grid.Len(); i++ {
		t := w.grid.ByIndex(i)
		digestWriteF64(h, tmp, t.Floor)
		if t.Stack != nil {
			h.Write([]byte{1})
			digestWriteString(h, tmp, t.Stack.Item)
			digestWriteI64(h, tmp, int64(t.Stack.Count))
		} else {
			h.Write([]byte{0})
		}
		s := t.Structure
		if s == nil {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1, boolByte(s.Constructed), boolByte(s.RoomBlocking)})
		digestWriteString(h, tmp, s.Type)
		digestWriteF64(h, tmp, s.MovementCost)
		if d, ok := s.Door(); ok {
			h.Write([]byte{'D', boolByte(d.Open), boolByte(d.Locked)})
			digestWriteF64(h, tmp, d.Openness)
		}
		if c, ok := s.Container(); ok && c.Inv != nil {
			h.Write([]byte{'C'})
			digestWriteI64(h, tmp, int64(c.Inv.Capacity()))
			writeStacks(h, tmp, c.Inv.Items())
		}
	}
}

func (w *World) digestRegions(h hashWriter, tmp *[8]byte) {
	for _, r := range w.part.Regions() {
		digestWriteI64(h, tmp, int64(r.ID))
		h.Write([]byte{boolByte(r.Outside)})
		tiles := r.Tiles()
		digestWriteU64(h, tmp, uint64(len(tiles)))
		for _, idx := range tiles {
			digestWriteI64(h, tmp, int64(idx))
		}
		writeItemMap(h, tmp, r.Tally())
		for _, list := range [][]*jobs.Job{r.Queue.Jobs(), r.Unreachable.Jobs()} {
			digestWriteU64(h, tmp, uint64(len(list)))
			for _, j := range list {
				digestWriteString(h, tmp, j.ID)
			}
		}
	}
}

func (w *World) digestJobs(h hashWriter, tmp *[8]byte) {
	for _, j := range w.sortedJobs() {
		digestWriteString(h, tmp, j.ID)
		digestWriteString(h, tmp, string(j.Kind))
		digestWritePos(h, tmp, j.Tile)
		digestWriteF64(h, tmp, j.WorkLeft)
		writeStacks(h, tmp, j.Requirements)
		digestWriteString(h, tmp, j.StructureType)
		if hl := j.Haul; hl != nil {
			h.Write([]byte{1})
			digestWriteString(h, tmp, string(hl.Mode))
			digestWriteString(h, tmp, hl.Item)
			digestWriteI64(h, tmp, int64(hl.Count))
			digestWriteString(h, tmp, jobID(hl.Parent))
		} else {
			h.Write([]byte{0})
		}
	}
}

func (w *World) digestAgents(h hashWriter, tmp *[8]byte) {
	for _, a := range w.sortedAgents() {
		digestWriteString(h, tmp, a.ID)
		digestWritePos(h, tmp, a.Pos)
		digestWriteF64(h, tmp, a.Speed)
		h.Write([]byte{boolByte(a.HasNext), boolByte(a.Path != nil)})
		digestWritePos(h, tmp, a.Next)
		digestWriteF64(h, tmp, a.Progress)
		digestWritePos(h, tmp, a.Dest)
		steps := a.Path.Steps()
		digestWriteU64(h, tmp, uint64(len(steps)))
		for _, p := range steps {
			digestWritePos(h, tmp, p)
		}
		digestWriteString(h, tmp, string(a.State))
		digestWriteString(h, tmp, jobID(a.Parent))
		digestWriteString(h, tmp, jobID(a.Current))
		digestWriteI64(h, tmp, int64(a.Inv.Capacity()))
		writeStacks(h, tmp, a.Inv.Items())
	}
}
