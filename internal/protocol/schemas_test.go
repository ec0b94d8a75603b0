package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tilecraft.ai/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// asJSON round-trips v through encoding/json so the schema sees exactly what goes on the wire.
func asJSON(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateMessages(t *testing.T) {
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(asJSON(t, v)); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	next := [2]int{3, 4}
	agent := protocol.AgentState{
		ID:      "A1",
		Pos:     [2]int{3, 3},
		Next:    &next,
		State:   "HAULING",
		JobID:   "T000002",
		Parent:  "T000001",
		Carried: []protocol.ItemCount{{Item: "WOOD", Count: 2}},
	}
	job := protocol.JobState{
		ID:           "T000001",
		Kind:         "BUILD",
		Pos:          [2]int{6, 5},
		WorkLeft:     1.5,
		Requirements: []protocol.ItemCount{{Item: "WOOD", Count: 3}},
		Structure:    "DOOR",
		Region:       1,
	}

	validate(compile(t, "hello.schema.json"), protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Client:          "viewer",
		Streams:         []string{protocol.StreamAgents, protocol.StreamJobs},
	})

	validate(compile(t, "bootstrap.schema.json"), protocol.BootstrapMsg{
		Type:            protocol.TypeBootstrap,
		ProtocolVersion: protocol.Version,
		SessionID:       "9f6c1f8e-2c53-4a53-9a4f-0b1a2f3c4d5e",
		WorldID:         "world_1",
		Tick:            42,
		TickRateHz:      10,
		Width:           16,
		Height:          10,
		Catalogs: protocol.CatalogDigests{
			Structures: protocol.DigestRef{Digest: "deadbeef", Count: 7},
			Items:      protocol.DigestRef{Digest: "deadbeef", Count: 4},
		},
		Floor:      protocol.FloorLayer{Palette: []float64{1}, Encoding: "RLE", Data: "AaAB"},
		Structures: []protocol.StructureState{{Pos: [2]int{6, 5}, Type: "DOOR", Built: true, DoorOpen: true}},
		Stacks:     []protocol.StackState{{Pos: [2]int{12, 5}, Item: "WOOD", Count: 3}},
		Agents:     []protocol.AgentState{agent},
		Jobs:       []protocol.JobState{job},
	})

	validate(compile(t, "agent.schema.json"), protocol.AgentMsg{
		Type:            protocol.TypeAgent,
		ProtocolVersion: protocol.Version,
		Tick:            43,
		Agent:           agent,
	})

	validate(compile(t, "job.schema.json"), protocol.JobMsg{
		Type:            protocol.TypeJob,
		ProtocolVersion: protocol.Version,
		Tick:            43,
		Event:           "DELIVERED",
		AgentID:         "A1",
		Job:             job,
	})

	validate(compile(t, "error.schema.json"), protocol.NewError(protocol.ErrBadRequest, "unknown message type"))
}

func TestSchemas_RejectMalformed(t *testing.T) {
	agentSchema := compile(t, "agent.schema.json")
	jobSchema := compile(t, "job.schema.json")

	bad := []struct {
		schema *jsonschema.Schema
		doc    string
	}{
		{agentSchema, `{"type":"AGENT","protocol_version":"1.0","tick":1,"agent":{"id":"A1","pos":[1],"state":"IDLE"}}`},
		{agentSchema, `{"type":"AGENT","protocol_version":"1.0","tick":1,"agent":{"id":"A1","pos":[1,1],"state":"DANCING"}}`},
		{jobSchema, `{"type":"JOB","protocol_version":"1.0","tick":1,"event":"CREATED","job":{"id":"T1","kind":"BUILD","pos":[1,1],"work_left":-1}}`},
		{jobSchema, `{"type":"JOB","protocol_version":"1.0","tick":1,"event":"EXPLODED","job":{"id":"T1","kind":"BUILD","pos":[1,1],"work_left":1}}`},
	}
	for i, c := range bad {
		var v any
		if err := json.Unmarshal([]byte(c.doc), &v); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if err := c.schema.Validate(v); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
