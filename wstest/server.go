// Package wstest runs an in-process websocket variable store for tests.
// It speaks the same narrow protocol as the real remote — handshake
// walks, set/ack, keepalive pings — and records everything it sees so
// tests can assert on ordering, dial counts and concurrency.
package wstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Entry is one stored name/value pair. Enumeration order is insertion
// order, wrapping at the end, which is what produces the duplicate-key
// sentinel clients terminate on.
type Entry struct {
	Name  string
	Value string
}

// SetRecord is one received write, in arrival order.
type SetRecord struct {
	Project string
	Name    string
	Value   string
}

// Options adds protocol quirks and faults the real remote exhibits.
// The zero value is a well-behaved store.
type Options struct {
	// RejectReply, when non-empty, is sent instead of "OK" in every set
	// ack.
	RejectReply string
	// ReplyDelay is slept before acking each set. Combined with
	// MaxConcurrentSets it lets tests prove writes never overlap.
	ReplyDelay time.Duration
	// AckFirstHandshake answers the first handshake of each connection
	// with a bare ack instead of a pair, as the real remote does while
	// its cursor warms up.
	AckFirstHandshake bool
	// StrayFrames are raw payloads pushed to each connection right
	// after it is established, before any request is answered.
	StrayFrames []string
	// PingBeforeReply pushes a keepalive ping before answering each
	// request.
	PingBeforeReply bool
	// PushBeforeAck relays a variable pair immediately before each set
	// ack, the way the real remote forwards another user's concurrent
	// write onto every open connection.
	PushBeforeAck bool
	// NeverWrap answers every handshake beyond the stored entries with
	// a bare ack instead of wrapping, so enumerations only end on the
	// client's timeout.
	NeverWrap bool
}

type request struct {
	Method    string `json:"method"`
	User      string `json:"user"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

// Server is the in-process variable store. Designed to be goroutine
// safe since we don't know how many connections will be hitting it at
// once.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader
	opts       Options

	mu              sync.Mutex
	entries         map[string][]Entry
	sets            []SetRecord
	dials           int
	pongs           int
	setsInFlight    int
	maxSetsInFlight int
}

// NewServer starts the store. Callers should defer Close.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:    opts,
		entries: make(map[string][]Entry),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the websocket endpoint for clients to dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// Close shuts the listener down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// Seed preloads entries for a project in enumeration order.
func (s *Server) Seed(project string, entries ...Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[project] = append(s.entries[project], entries...)
}

// Sets returns every received write in arrival order.
func (s *Server) Sets() []SetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SetRecord, len(s.sets))
	copy(out, s.sets)
	return out
}

// Dials returns how many websocket connections were established.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Pongs returns how many keepalive pongs clients sent back.
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}

// MaxConcurrentSets returns the largest number of set requests that
// were ever being handled at the same instant.
func (s *Server) MaxConcurrentSets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSetsInFlight
}

// Entries returns the stored pairs for a project in insertion order.
func (s *Server) Entries(project string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries[project]))
	copy(out, s.entries[project])
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.dials++
	s.mu.Unlock()

	for _, raw := range s.opts.StrayFrames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			return
		}
	}

	// cursor is per-connection: every handshake advances it one step
	// through the project's entries, wrapping at the end.
	cursor := 0
	handshakes := 0

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Method {
		case "pong":
			s.mu.Lock()
			s.pongs++
			s.mu.Unlock()
		case "handshake":
			handshakes++
			if s.opts.PingBeforeReply {
				if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
					return
				}
			}
			if s.opts.AckFirstHandshake && handshakes == 1 {
				if err := conn.WriteJSON(map[string]string{"method": "ack", "reply": "OK"}); err != nil {
					return
				}
				continue
			}
			s.mu.Lock()
			entries := s.entries[req.ProjectID]
			s.mu.Unlock()
			if len(entries) == 0 || (s.opts.NeverWrap && cursor >= len(entries)) {
				if err := conn.WriteJSON(map[string]string{"method": "ack", "reply": "OK"}); err != nil {
					return
				}
				continue
			}
			e := entries[cursor%len(entries)]
			cursor++
			if err := conn.WriteJSON(map[string]string{"name": e.Name, "value": e.Value}); err != nil {
				return
			}
		case "set":
			s.mu.Lock()
			s.setsInFlight++
			if s.setsInFlight > s.maxSetsInFlight {
				s.maxSetsInFlight = s.setsInFlight
			}
			s.mu.Unlock()

			if s.opts.ReplyDelay > 0 {
				time.Sleep(s.opts.ReplyDelay)
			}
			if s.opts.PingBeforeReply {
				if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
					return
				}
			}

			s.mu.Lock()
			s.sets = append(s.sets, SetRecord{
				Project: req.ProjectID,
				Name:    req.Name,
				Value:   req.Value,
			})
			s.storeLocked(req.ProjectID, req.Name, req.Value)
			s.setsInFlight--
			s.mu.Unlock()

			if s.opts.PushBeforeAck {
				if err := conn.WriteJSON(map[string]string{"name": "relayed-msg", "value": "1"}); err != nil {
					return
				}
			}

			reply := "OK"
			if s.opts.RejectReply != "" {
				reply = s.opts.RejectReply
			}
			if err := conn.WriteJSON(map[string]string{"method": "ack", "reply": reply}); err != nil {
				return
			}
		default:
			// The real remote ignores requests it doesn't understand.
		}
	}
}

// storeLocked upserts a pair, preserving insertion order for existing
// names. Callers hold s.mu.
func (s *Server) storeLocked(project, name, value string) {
	for i, e := range s.entries[project] {
		if e.Name == name {
			s.entries[project][i].Value = value
			return
		}
	}
	s.entries[project] = append(s.entries[project], Entry{Name: name, Value: value})
}
