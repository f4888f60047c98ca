// Package transport defines the broadcast channel a room runs over. A
// channel delivers each frame at least once to the peers connected at the
// time, in no guaranteed order, and reports peers joining and leaving.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed    = errors.New("transport: channel closed")
	ErrQueueFull = errors.New("transport: send queue full")
)

// Handler receives membership and message events for one room.
type Handler interface {
	OnPeerJoin(peerID string)
	OnPeerLeave(peerID string)
	OnMessage(data []byte, senderID string)
	// OnDisconnect is called at most once when the channel is lost without
	// Leave. Known peers have been reported as left by then and the
	// channel accepts no more broadcasts.
	OnDisconnect(err error)
}

// Channel is a joined room on some transport.
type Channel interface {
	// SelfID is the ephemeral peer id the transport assigned on join.
	SelfID() string
	// Broadcast sends data to every other connected peer. It does not wait
	// for delivery.
	Broadcast(ctx context.Context, data []byte) error
	Leave() error
}

// Dialer joins rooms identified by a channel key.
type Dialer interface {
	Join(ctx context.Context, roomKey string, h Handler) (Channel, error)
}

type DialerFunc func(ctx context.Context, roomKey string, h Handler) (Channel, error)

func (f DialerFunc) Join(ctx context.Context, roomKey string, h Handler) (Channel, error) {
	return f(ctx, roomKey, h)
}
