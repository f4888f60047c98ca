// Package relay joins rooms through a relay server over websockets.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/protocol"
	"github.com/x1erra/xierraxyz/internal/transport"
)

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	SendBuffer       int
	WriteWait        time.Duration
}

type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (d *Dialer) roomURL(roomKey string) (string, error) {
	base, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	return strings.TrimRight(base.String(), "/") + "/ws/rooms/" + url.PathEscape(roomKey), nil
}

// Join connects to the relay and waits for the WELCOME frame that assigns
// this peer's id.
func (d *Dialer) Join(ctx context.Context, roomKey string, h transport.Handler) (transport.Channel, error) {
	target, err := d.roomURL(roomKey)
	if err != nil {
		return nil, err
	}
	conn, _, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	welcome, err := readWelcome(conn, d.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &channel{
		conn:      conn,
		selfID:    welcome.PeerID,
		handler:   h,
		send:      make(chan []byte, d.cfg.SendBuffer),
		done:      make(chan struct{}),
		peers:     make(map[string]struct{}),
		writeWait: d.cfg.WriteWait,
		logger:    logging.L().With().Str(logging.FieldRoomKey, roomKey).Str(logging.FieldDriver, "relay").Logger(),
	}
	for _, id := range welcome.Peers {
		c.addPeer(id)
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func readWelcome(conn *websocket.Conn, timeout time.Duration) (protocol.WelcomePayload, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var env protocol.InboundEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		return protocol.WelcomePayload{}, fmt.Errorf("read welcome: %w", err)
	}
	if env.Kind != protocol.KindWelcome {
		return protocol.WelcomePayload{}, fmt.Errorf("expected %s, got %q", protocol.KindWelcome, env.Kind)
	}
	var welcome protocol.WelcomePayload
	if err := json.Unmarshal(env.Data, &welcome); err != nil || welcome.PeerID == "" {
		return protocol.WelcomePayload{}, fmt.Errorf("%w: bad welcome", protocol.ErrMalformedFrame)
	}
	return welcome, nil
}

type channel struct {
	conn      *websocket.Conn
	selfID    string
	handler   transport.Handler
	send      chan []byte
	writeWait time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	peers   map[string]struct{}
	leaving bool

	done     chan struct{}
	doneOnce sync.Once
}

func (c *channel) SelfID() string {
	return c.selfID
}

func (c *channel) Broadcast(ctx context.Context, data []byte) error {
	frame, err := json.Marshal(protocol.Envelope{
		Kind: protocol.KindBroadcast,
		Data: protocol.RelayedFrame{Data: data},
	})
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return transport.ErrQueueFull
	}
}

func (c *channel) Leave() error {
	c.mu.Lock()
	if c.leaving {
		c.mu.Unlock()
		return nil
	}
	c.leaving = true
	c.mu.Unlock()

	deadline := time.Now().Add(c.writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"), deadline)
	c.shutdown()
	return c.conn.Close()
}

func (c *channel) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *channel) addPeer(id string) {
	c.mu.Lock()
	if _, ok := c.peers[id]; ok || id == c.selfID {
		c.mu.Unlock()
		return
	}
	c.peers[id] = struct{}{}
	c.mu.Unlock()
	c.handler.OnPeerJoin(id)
}

func (c *channel) removePeer(id string) {
	c.mu.Lock()
	if _, ok := c.peers[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.peers, id)
	c.mu.Unlock()
	c.handler.OnPeerLeave(id)
}

func (c *channel) readLoop() {
	var lost error
	defer func() {
		c.shutdown()
		c.dropAllPeers()
		if lost != nil {
			c.handler.OnDisconnect(lost)
		}
	}()

	for {
		var env protocol.InboundEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			leaving := c.leaving
			c.mu.Unlock()
			if !leaving {
				c.logger.Warn().Err(err).Msg("relay connection lost")
				lost = fmt.Errorf("relay connection lost: %w", err)
			}
			return
		}

		switch env.Kind {
		case protocol.KindPeerJoined, protocol.KindPeerLeft:
			var p protocol.PeerPayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.PeerID == "" {
				c.logger.Warn().Str("kind", env.Kind).Msg("bad membership frame")
				continue
			}
			if env.Kind == protocol.KindPeerJoined {
				c.addPeer(p.PeerID)
			} else {
				c.removePeer(p.PeerID)
			}
		case protocol.KindMessage:
			var frame protocol.RelayedFrame
			if err := json.Unmarshal(env.Data, &frame); err != nil {
				c.logger.Warn().Err(err).Msg("bad relayed frame")
				continue
			}
			c.handler.OnMessage(frame.Data, frame.From)
		case protocol.KindError:
			var e protocol.ErrorPayload
			_ = json.Unmarshal(env.Data, &e)
			c.logger.Warn().Str("code", e.Code).Str("message", e.Message).Msg("relay rejected frame")
		default:
			c.logger.Debug().Str("kind", env.Kind).Msg("ignoring relay frame")
		}
	}
}

// dropAllPeers reports every known peer as gone once the connection is
// lost, unless the room left on purpose.
func (c *channel) dropAllPeers() {
	c.mu.Lock()
	leaving := c.leaving
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	c.peers = make(map[string]struct{})
	c.mu.Unlock()

	if leaving {
		return
	}
	for _, id := range ids {
		c.handler.OnPeerLeave(id)
	}
}

func (c *channel) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn().Err(err).Msg("relay write failed")
				c.shutdown()
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
