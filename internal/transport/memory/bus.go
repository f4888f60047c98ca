// Package memory is an in-process broadcast bus. Delivery is synchronous,
// which makes multi-peer scenarios deterministic in tests and lets a single
// node host several local peers.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/x1erra/xierraxyz/internal/transport"
)

// DropFunc decides whether a frame from one peer to another is lost.
type DropFunc func(from, to string, data []byte) bool

type Bus struct {
	mu    sync.Mutex
	rooms map[string]map[string]*member
	drop  DropFunc
}

type member struct {
	id     string
	key    string
	h      transport.Handler
	bus    *Bus
	mu     sync.Mutex
	closed bool
}

func NewBus() *Bus {
	return &Bus{rooms: make(map[string]map[string]*member)}
}

// SetDrop installs a loss model. Passing nil restores lossless delivery.
func (b *Bus) SetDrop(drop DropFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = drop
}

func (b *Bus) Join(ctx context.Context, roomKey string, h transport.Handler) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &member{id: uuid.NewString(), key: roomKey, h: h, bus: b}

	b.mu.Lock()
	room, ok := b.rooms[roomKey]
	if !ok {
		room = make(map[string]*member)
		b.rooms[roomKey] = room
	}
	existing := make([]*member, 0, len(room))
	for _, other := range room {
		existing = append(existing, other)
	}
	room[m.id] = m
	b.mu.Unlock()

	for _, other := range existing {
		other.h.OnPeerJoin(m.id)
		h.OnPeerJoin(other.id)
	}
	return m, nil
}

// Members returns the peer ids currently in a room.
func (b *Bus) Members(roomKey string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.rooms[roomKey]))
	for id := range b.rooms[roomKey] {
		ids = append(ids, id)
	}
	return ids
}

func (m *member) SelfID() string {
	return m.id
}

func (m *member) Broadcast(ctx context.Context, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	m.bus.mu.Lock()
	targets := make([]*member, 0, len(m.bus.rooms[m.key]))
	for id, other := range m.bus.rooms[m.key] {
		if id != m.id {
			targets = append(targets, other)
		}
	}
	drop := m.bus.drop
	m.bus.mu.Unlock()

	for _, other := range targets {
		if drop != nil && drop(m.id, other.id, data) {
			continue
		}
		frame := make([]byte, len(data))
		copy(frame, data)
		other.h.OnMessage(frame, m.id)
	}
	return nil
}

func (m *member) Leave() error {
	m.remove()
	return nil
}

// Sever cuts one member off the bus as if its network had failed. The
// others see it leave and the member itself is told it is disconnected.
func (b *Bus) Sever(roomKey, memberID string) bool {
	b.mu.Lock()
	m, ok := b.rooms[roomKey][memberID]
	b.mu.Unlock()
	if !ok || !m.remove() {
		return false
	}
	m.h.OnDisconnect(transport.ErrClosed)
	return true
}

// remove takes m off the bus and reports whether it was still on it.
func (m *member) remove() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.closed = true
	m.mu.Unlock()

	m.bus.mu.Lock()
	room := m.bus.rooms[m.key]
	delete(room, m.id)
	remaining := make([]*member, 0, len(room))
	for _, other := range room {
		remaining = append(remaining, other)
	}
	if len(room) == 0 {
		delete(m.bus.rooms, m.key)
	}
	m.bus.mu.Unlock()

	for _, other := range remaining {
		other.h.OnPeerLeave(m.id)
	}
	return true
}
