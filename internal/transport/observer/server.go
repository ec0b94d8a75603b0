package observer

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/protocol"
)

const (
	helloTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
)

type Server struct {
	hub *Hub
	log *logrus.Entry

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub) *Server {
	return &Server{
		hub: hub,
		log: hub.log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

// BootstrapHandler serves the current bootstrap as plain JSON without opening a session.
func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		boot, err := s.hub.Bootstrap(r.Context())
		if err != nil {
			writeJSONStatus(rw, http.StatusServiceUnavailable, protocol.NewError(protocol.ErrUnavailable, err.Error()))
			return
		}
		writeJSONStatus(rw, http.StatusOK, boot)
	}
}

// WSHandler upgrades to a websocket session. The client must send HELLO first; the server answers
// with BOOTSTRAP and then streams AGENT and JOB frames.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var hello protocol.HelloMsg
		if err := json.Unmarshal(raw, &hello); err != nil || hello.Type != protocol.TypeHello {
			closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
			return
		}
		if hello.ProtocolVersion != protocol.Version {
			_ = writeFrame(conn, protocol.NewError(protocol.ErrProtoVersion, "unsupported protocol_version"))
			closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
			return
		}

		sess, boot, err := s.hub.join(r.Context(), hello.Streams)
		if err != nil {
			closeWith(conn, websocket.CloseTryAgainLater, "world unavailable")
			return
		}
		defer s.hub.leave(sess)
		log := s.log.WithFields(logrus.Fields{"session": sess.id, "client": hello.Client})

		if err := writeFrame(conn, boot); err != nil {
			log.WithError(err).Debug("write bootstrap")
			return
		}

		// Replies from the reader go through ctl so only the writer touches conn.
		ctl := make(chan []byte, 8)
		done := make(chan struct{})
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			defer conn.Close()
			for {
				var b []byte
				var ok bool
				select {
				case <-done:
					return
				case b, ok = <-sess.out:
					if !ok {
						return
					}
				case b = <-ctl:
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					log.WithError(err).Debug("observer write failed")
					return
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(raw)
			if err != nil {
				sendLatest(ctl, mustMarshal(protocol.NewError(protocol.ErrProtoBadRequest, "malformed message")))
				continue
			}
			if base.Type != protocol.TypeHello {
				sendLatest(ctl, mustMarshal(protocol.NewError(protocol.ErrBadRequest, "unsupported message type "+base.Type)))
				continue
			}
			var upd protocol.HelloMsg
			if err := json.Unmarshal(raw, &upd); err != nil {
				sendLatest(ctl, mustMarshal(protocol.NewError(protocol.ErrProtoBadRequest, "malformed HELLO")))
				continue
			}
			sess.setStreams(upd.Streams)
		}

		close(done)
		select {
		case <-writerDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func writeJSONStatus(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
