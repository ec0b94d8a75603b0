package snapshot

import (
	"path/filepath"
	"testing"
)

func TestWriteReadSnapshot_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := Path(filepath.Join(dir, "snapshots"), 42)

	in := SnapshotV1{
		Header:   Header{Version: Version, WorldID: "w1", Tick: 42, Digest: "abc"},
		TickRate: 5,
		Width:    2,
		Height:   1,
		Floor:    []float64{1, 2},
		Structures: []StructureV1{{
			Tile: 1, Type: "DOOR", Constructed: true, MovementCost: 1, RoomBlocking: true,
			Door: &DoorV1{Openness: 0.5},
		}},
		Stacks:  []StackV1{{Tile: 0, Item: "WOOD", Count: 3}},
		Regions: []RegionV1{{ID: 1, Outside: true, Tiles: []int{0}, Tally: map[string]int{"WOOD": 3}, Queue: []string{"J000001"}}},
		Jobs:    []JobV1{{ID: "J000001", Kind: "BUILD", Tile: [2]int{1, 0}, WorkLeft: 2, Requirements: []ItemStackV1{{Item: "WOOD", Count: 1}}}},
		Agents:  []AgentV1{{ID: "A1", Pos: [2]int{0, 0}, Speed: 1, State: "IDLE", Capacity: 10}},

		NextJobNum:   1,
		NextAgentNum: 1,
		NextRegionID: 1,
	}
	if err := WriteSnapshot(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Tick != 42 || h.WorldID != "w1" || h.Digest != "abc" {
		t.Fatalf("header=%+v", h)
	}

	out, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Width != 2 || len(out.Floor) != 2 || out.Floor[1] != 2 {
		t.Fatalf("grid mismatch: %+v", out)
	}
	if len(out.Structures) != 1 || out.Structures[0].Door == nil || out.Structures[0].Door.Openness != 0.5 {
		t.Fatalf("structures=%+v", out.Structures)
	}
	if out.Regions[0].Tally["WOOD"] != 3 || out.Regions[0].Queue[0] != "J000001" {
		t.Fatalf("regions=%+v", out.Regions)
	}
	if out.Jobs[0].Requirements[0].Count != 1 {
		t.Fatalf("jobs=%+v", out.Jobs)
	}
}

func TestReadSnapshot_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap.zst")
	if err := WriteSnapshot(path, SnapshotV1{Header: Header{Version: 99}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected version error")
	}
}
