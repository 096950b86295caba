// Package observer streams run events to websocket subscribers.
package observer

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"packline.ai/internal/observerproto"
	"packline.ai/internal/pack"
)

// Server is a pack.Sink that fans events out to observers. Slow observers
// lose events instead of stalling the run.
type Server struct {
	log *log.Logger
	// AllowRemote admits non-loopback clients.
	AllowRemote bool

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu     sync.Mutex
	status observerproto.Status
	subs   map[string]*subscriber
}

type subscriber struct {
	out chan []byte

	mu    sync.Mutex
	kinds map[string]bool
}

func (s *subscriber) wants(kind pack.EventKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kinds) == 0 || s.kinds[string(kind)]
}

func (s *subscriber) setKinds(kinds []string) {
	m := map[string]bool{}
	for _, k := range kinds {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			m[k] = true
		}
	}
	s.mu.Lock()
	s.kinds = m
	s.mu.Unlock()
}

func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		log:  logger,
		subs: map[string]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Handler mounts the bootstrap and websocket endpoints under /observer/v1/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/observer/v1/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/observer/v1/ws", s.WSHandler())
	return mux
}

func (s *Server) Status() observerproto.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Dropped counts events not delivered to a slow observer.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) Emit(e pack.Event) {
	b, err := json.Marshal(observerproto.EventMsg{
		Type:            observerproto.TypeEvent,
		ProtocolVersion: observerproto.Version,
		Event:           e,
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.status
	switch e.Kind {
	case pack.EventStarted:
		*st = observerproto.Status{RunID: e.RunID, Total: e.Total}
	case pack.EventSpawned:
		st.Spawned++
	case pack.EventPlaced:
		st.Placed++
		st.MaxHeight = e.MaxHeight
	case pack.EventFailed:
		st.Failed++
	case pack.EventFinished:
		st.Finished = true
		st.MaxHeight = e.MaxHeight
	}
	for _, sub := range s.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.admit(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Run:             s.Status(),
		})
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.admit(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		sub, ok := readSubscribe(conn)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		ob := &subscriber{out: make(chan []byte, 256)}
		ob.setKinds(sub.Kinds)
		s.mu.Lock()
		s.subs[sid] = ob
		s.mu.Unlock()
		s.log.Printf("observer %s joined from %s", sid, r.RemoteAddr)
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
			s.log.Printf("observer %s left", sid)
		}()

		done := make(chan struct{})
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-done:
					writeErr <- nil
					return
				case b := <-ob.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			sub, ok := readSubscribe(conn)
			if sub == nil {
				break
			}
			if ok {
				ob.setKinds(sub.Kinds)
			}
		}

		close(done)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// readSubscribe returns nil on a read error, and ok=false for a message
// that is not a valid SUBSCRIBE.
func readSubscribe(conn *websocket.Conn) (*observerproto.SubscribeMsg, bool) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return &sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return &sub, false
	}
	return &sub, true
}

func (s *Server) admit(r *http.Request) bool {
	return s.AllowRemote || isLoopbackRemote(r.RemoteAddr)
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
