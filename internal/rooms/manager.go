package rooms

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/RanFeng/ilog"

	"github.com/x1erra/xierraxyz/internal/protocol"
	"github.com/x1erra/xierraxyz/internal/transport"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrPasswordMismatch = errors.New("room already joined with a different password")
)

// Manager owns the rooms this node has joined, keyed by room id.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	dialer transport.Dialer
	opts   Options
}

type Session struct {
	RoomID    string            `json:"roomId"`
	PeerID    string            `json:"peerId"`
	Username  string            `json:"username"`
	Connected bool              `json:"connected"`
	View      protocol.RoomView `json:"view"`
}

func NewManager(dialer transport.Dialer, opts Options) *Manager {
	return &Manager{
		rooms:  make(map[string]*Room),
		dialer: dialer,
		opts:   opts,
	}
}

// ChannelKey is the key peers rendezvous on. A password partitions a room
// id into separate channels.
func ChannelKey(roomID, password string) string {
	if password == "" {
		return roomID
	}
	return roomID + "-" + password
}

// JoinRoom joins roomID, generating a room id and username when empty.
// Joining a room that is already joined returns its current session. A
// transport failure does not fail the join; the session reports
// Connected=false.
func (m *Manager) JoinRoom(ctx context.Context, roomID, password, username string) (*Session, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		roomID = generateRoomID()
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = m.opts.DefaultUsername
	}
	if username == "" {
		username = generateUsername()
	}
	key := ChannelKey(roomID, password)

	m.mu.Lock()
	if existing, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		if existing.Key() != key {
			return nil, ErrPasswordMismatch
		}
		ilog.EventInfo(ctx, "JoinRoom_existing", "roomID", roomID)
		return sessionFor(existing), nil
	}
	room := NewRoom(roomID, key, username, m.opts)
	m.rooms[roomID] = room
	m.mu.Unlock()

	ilog.EventInfo(ctx, "JoinRoom_attach", "roomID", roomID, "username", username)
	if err := room.Attach(ctx, m.dialer); err != nil {
		ilog.EventInfo(ctx, "JoinRoom_disconnected", "roomID", roomID, "error", err.Error())
	}
	return sessionFor(room), nil
}

func sessionFor(room *Room) *Session {
	view := room.View()
	return &Session{
		RoomID:    room.ID(),
		PeerID:    view.PeerID,
		Username:  room.Username(),
		Connected: view.Connected,
		View:      view,
	}
}

func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func (m *Manager) GetState(roomID string) (protocol.RoomView, error) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return protocol.RoomView{}, err
	}
	return room.View(), nil
}

// RoomIDs lists joined rooms in sorted order.
func (m *Manager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) LeaveRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}

	ilog.EventInfo(ctx, "LeaveRoom", "roomID", roomID)
	if err := room.Leave(); err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	return nil
}

// Close leaves every room.
func (m *Manager) Close() error {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	var errs []error
	for id, room := range rooms {
		if err := room.Leave(); err != nil {
			errs = append(errs, fmt.Errorf("leave room %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func generateRoomID() string {
	return fmt.Sprintf("%06d", rand.Intn(900000)+100000)
}

func generateUsername() string {
	return fmt.Sprintf("User%d", rand.Intn(1000))
}
