package redis

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/x1erra/xierraxyz/internal/transport"
)

const (
	frameHello = "HELLO"
	frameHere  = "HERE"
	framePing  = "PING"
	frameBye   = "BYE"
	frameMsg   = "MSG"
)

type frame struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	Data json.RawMessage `json:"data,omitempty"`
}

// session is the presence and dispatch state of one joined channel,
// independent of the Redis connection.
type session struct {
	selfID  string
	handler transport.Handler
	expiry  time.Duration
	now     func() time.Time
	out     chan []byte

	mu     sync.Mutex
	peers  map[string]time.Time
	closed bool
}

func newSession(selfID string, h transport.Handler, expiry time.Duration, buffer int) *session {
	return &session{
		selfID:  selfID,
		handler: h,
		expiry:  expiry,
		now:     time.Now,
		out:     make(chan []byte, buffer),
		peers:   make(map[string]time.Time),
	}
}

func (s *session) encode(typ string, data []byte) ([]byte, error) {
	return json.Marshal(frame{Type: typ, From: s.selfID, Data: data})
}

// enqueue queues a frame for publishing without blocking.
func (s *session) enqueue(typ string, data []byte) error {
	payload, err := s.encode(typ, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	select {
	case s.out <- payload:
		return nil
	default:
		return transport.ErrQueueFull
	}
}

// handle processes one payload read from the channel. It reports false for
// payloads that are not presence frames.
func (s *session) handle(payload []byte) bool {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil || f.From == "" || f.Type == "" {
		return false
	}
	if f.From == s.selfID {
		return true
	}

	switch f.Type {
	case frameHello:
		s.touch(f.From)
		_ = s.enqueue(frameHere, nil)
	case frameHere, framePing:
		s.touch(f.From)
	case frameBye:
		s.remove(f.From)
	case frameMsg:
		s.touch(f.From)
		s.handler.OnMessage([]byte(f.Data), f.From)
	default:
		return false
	}
	return true
}

func (s *session) touch(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	_, known := s.peers[id]
	s.peers[id] = s.now()
	s.mu.Unlock()

	if !known {
		s.handler.OnPeerJoin(id)
	}
}

func (s *session) remove(id string) {
	s.mu.Lock()
	_, known := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if known {
		s.handler.OnPeerLeave(id)
	}
}

// expire drops peers not heard from within the expiry window.
func (s *session) expire() {
	cutoff := s.now().Add(-s.expiry)

	s.mu.Lock()
	var gone []string
	for id, seen := range s.peers {
		if seen.Before(cutoff) {
			gone = append(gone, id)
			delete(s.peers, id)
		}
	}
	s.mu.Unlock()

	for _, id := range gone {
		s.handler.OnPeerLeave(id)
	}
}

// disconnect marks the session lost. Known peers are reported as left and
// the handler is told once. It does nothing after close.
func (s *session) disconnect(err error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	gone := make([]string, 0, len(s.peers))
	for id := range s.peers {
		gone = append(gone, id)
	}
	s.peers = make(map[string]time.Time)
	s.mu.Unlock()

	for _, id := range gone {
		s.handler.OnPeerLeave(id)
	}
	s.handler.OnDisconnect(err)
	return true
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.peers = make(map[string]time.Time)
}
