package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tilecraft.ai/internal/logger"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/world"
)

func startWorld(t *testing.T) (*world.World, *Hub, *httptest.Server) {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	w, err := world.New(world.WorldConfig{ID: "obs", Width: 16, Height: 10, TickRateHz: 50}, cats, logger.Discard())
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	if _, err := w.DropItems(grid.Pos{X: 12, Y: 5}, "WOOD", 3); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := w.AddAgent(grid.Pos{X: 2, Y: 2}); err != nil {
		t.Fatalf("agent: %v", err)
	}

	hub := NewHub(w, cats, logger.Discard())
	srv := NewServer(hub)
	mux := http.NewServeMux()
	mux.HandleFunc("/observer/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/observer/ws", srv.WSHandler())
	ts := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() {
		ts.Close()
		cancel()
		w.Stop()
		hub.Close()
	})
	return w, hub, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) (protocol.BaseMessage, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return base, raw
}

func TestWS_HelloBootstrapAndJobStream(t *testing.T) {
	w, hub, ts := startWorld(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Client: "test"}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	base, raw := readMsg(t, conn)
	if base.Type != protocol.TypeBootstrap {
		t.Fatalf("first frame %q", base.Type)
	}
	var boot protocol.BootstrapMsg
	if err := json.Unmarshal(raw, &boot); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if boot.SessionID == "" || boot.WorldID != "obs" || boot.Width != 16 || boot.Height != 10 {
		t.Fatalf("bootstrap header: %+v", boot)
	}
	if len(boot.Agents) != 1 || len(boot.Stacks) != 1 || boot.Stacks[0].Item != "WOOD" {
		t.Fatalf("bootstrap contents: agents=%v stacks=%v", boot.Agents, boot.Stacks)
	}
	if boot.Floor.Encoding != "RLE" || boot.Catalogs.Structures.Digest == "" {
		t.Fatalf("bootstrap floor/catalogs: %+v %+v", boot.Floor, boot.Catalogs)
	}
	if hub.Sessions() != 1 {
		t.Fatalf("sessions=%d", hub.Sessions())
	}

	id, err := w.RequestBuild(context.Background(), grid.Pos{X: 6, Y: 5}, "DOOR")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for {
		base, raw := readMsg(t, conn)
		if base.Type != protocol.TypeJob {
			continue
		}
		var m protocol.JobMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("job: %v", err)
		}
		if m.Job.ID == id && m.Event == world.EventCreated {
			if m.Job.Structure != "DOOR" || m.Job.Kind != "BUILD" {
				t.Fatalf("job frame: %+v", m)
			}
			break
		}
	}
}

func TestWS_StreamFilter(t *testing.T) {
	w, _, ts := startWorld(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Streams: []string{protocol.StreamJobs}}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if base, _ := readMsg(t, conn); base.Type != protocol.TypeBootstrap {
		t.Fatalf("first frame %q", base.Type)
	}
	if _, err := w.RequestBuild(context.Background(), grid.Pos{X: 6, Y: 5}, "DOOR"); err != nil {
		t.Fatalf("build: %v", err)
	}
	// The agent starts hauling right away; none of its frames may reach a JOBS-only session.
	for i := 0; i < 4; i++ {
		if base, _ := readMsg(t, conn); base.Type != protocol.TypeJob {
			t.Fatalf("frame %d type %q", i, base.Type)
		}
	}
}

func TestWS_UnknownMessageGetsError(t *testing.T) {
	_, _, ts := startWorld(t)
	conn := dial(t, ts)
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Streams: []string{protocol.StreamJobs}}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	readMsg(t, conn)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"DANCE","protocol_version":"1.0"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	base, raw := readMsg(t, conn)
	if base.Type != protocol.TypeError {
		t.Fatalf("type %q", base.Type)
	}
	var e protocol.ErrorMsg
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("error msg: %v", err)
	}
	if e.Code != protocol.ErrBadRequest {
		t.Fatalf("code %q", e.Code)
	}
}

func TestWS_RejectsBadHello(t *testing.T) {
	_, hub, ts := startWorld(t)

	conn := dial(t, ts)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SUBSCRIBE"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("want policy close, got %v", err)
	}

	conn = dial(t, ts)
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	base, _ := readMsg(t, conn)
	if base.Type != protocol.TypeError {
		t.Fatalf("type %q", base.Type)
	}
	if hub.Sessions() != 0 {
		t.Fatalf("sessions=%d", hub.Sessions())
	}
}

func TestBootstrapHandler(t *testing.T) {
	_, _, ts := startWorld(t)

	resp, err := http.Get(ts.URL + "/observer/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var boot protocol.BootstrapMsg
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.Type != protocol.TypeBootstrap || boot.SessionID != "" {
		t.Fatalf("bootstrap: %+v", boot)
	}

	resp2, err := http.Post(ts.URL+"/observer/bootstrap", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", resp2.StatusCode)
	}
}

func TestHandlers_RejectNonLoopback(t *testing.T) {
	srv := &Server{}
	for _, h := range []http.HandlerFunc{srv.BootstrapHandler(), srv.WSHandler()} {
		req := httptest.NewRequest(http.MethodGet, "/observer/bootstrap", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status %d", rec.Code)
		}
	}
}

func TestSendLatest_DropsOldest(t *testing.T) {
	ch := make(chan []byte, 2)
	if sendLatest(ch, []byte("a")) || sendLatest(ch, []byte("b")) {
		t.Fatalf("unexpected drop")
	}
	if !sendLatest(ch, []byte("c")) {
		t.Fatalf("expected drop")
	}
	if got := string(<-ch) + string(<-ch); got != "bc" {
		t.Fatalf("got %q", got)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:9000":   true,
		"10.0.0.1:80":  false,
		"garbage":      false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("%s: got %v", in, got)
		}
	}
}
