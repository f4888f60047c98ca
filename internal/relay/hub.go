// Package relay fans room frames out between websocket clients. It assigns
// peer ids and reports membership but never interprets the frames.
package relay

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/protocol"
)

var (
	ErrInvalidRoomKey = errors.New("invalid room key")
	ErrEmptyFrame     = errors.New("empty frame")
)

const defaultSendBuffer = 64

type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]*Room
	sendBuffer int
}

func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		rooms:      make(map[string]*Room),
		sendBuffer: sendBuffer,
	}
}

// Join adds a participant to the room keyed by key, creating the room on
// first use. The participant's queue starts with its WELCOME frame.
func (h *Hub) Join(key string) (*Participant, error) {
	if key == "" {
		return nil, ErrInvalidRoomKey
	}

	h.mu.Lock()
	room, ok := h.rooms[key]
	if !ok {
		room = newRoom(key)
		h.rooms[key] = room
	}
	p := &Participant{
		ID:   uuid.NewString(),
		send: make(chan []byte, h.sendBuffer),
		room: room,
	}
	room.attach(p)
	h.mu.Unlock()

	l := logging.L()
	l.Info().Str(logging.FieldRoomKey, key).Str(logging.FieldPeerID, p.ID).Msg("participant joined")
	return p, nil
}

// Leave detaches p, tells the remaining participants and drops the room
// once it is empty.
func (h *Hub) Leave(p *Participant) {
	room := p.room
	if !room.detach(p.ID) {
		return
	}
	p.close()

	h.mu.Lock()
	if room.ParticipantCount() == 0 && h.rooms[room.key] == room {
		delete(h.rooms, room.key)
	}
	h.mu.Unlock()

	l := logging.L()
	l.Info().Str(logging.FieldRoomKey, room.key).Str(logging.FieldPeerID, p.ID).Msg("participant left")
}

// Relay forwards a frame from p to every other participant of its room.
func (h *Hub) Relay(p *Participant, data json.RawMessage) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}
	p.room.broadcast(protocol.Envelope{
		Kind: protocol.KindMessage,
		Data: protocol.RelayedFrame{From: p.ID, Data: data},
	}, p.ID)
	return nil
}

// Peers lists the participant ids of a room.
func (h *Hub) Peers(key string) []string {
	h.mu.RLock()
	room, ok := h.rooms[key]
	h.mu.RUnlock()
	if !ok {
		return []string{}
	}
	return room.ParticipantIDs()
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
