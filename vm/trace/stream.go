package trace

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/colorfulnotion/uvm/log"
)

// Streamer pushes trace events over websocket to external visualization
// tooling. It is a Sink: attach it with Trace.AddSink and serve ServeHTTP.
type Streamer struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]chan Event
	closed bool
}

// streamBacklog bounds the per-connection send queue; slow consumers drop
// events rather than stalling the simulation.
const streamBacklog = 1024

func NewStreamer() *Streamer {
	return &Streamer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]chan Event),
	}
}

// OnEvent implements Sink.
func (s *Streamer) OnEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.conns {
		select {
		case ch <- ev:
		default:
			log.Warn(log.TraceMonitoring, "stream consumer lagging, dropping event",
				"remote", conn.RemoteAddr().String(), "seq", ev.Seq)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects or the streamer is closed.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(log.TraceMonitoring, "websocket upgrade failed", "err", err)
		return
	}

	ch := make(chan Event, streamBacklog)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = ch
	s.mu.Unlock()
	log.Info(log.TraceMonitoring, "trace stream connected", "remote", conn.RemoteAddr().String())

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug(log.TraceMonitoring, "trace stream write failed", "err", err)
			return
		}
	}
}

// Close disconnects every client.
func (s *Streamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for conn, ch := range s.conns {
		close(ch)
		conn.Close()
		delete(s.conns, conn)
	}
}
