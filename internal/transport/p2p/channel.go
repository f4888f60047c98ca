package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/transport"
)

type channel struct {
	node    *Node
	key     string
	session string
	handler transport.Handler
	logger  zerolog.Logger

	mu      sync.Mutex
	streams map[peer.ID][]*streamConn
	dialing map[peer.ID]bool
	closed  bool
}

func newChannel(n *Node, key string, h transport.Handler) *channel {
	return &channel{
		node:    n,
		key:     key,
		session: uuid.NewString(),
		handler: h,
		logger:  n.logger.With().Str(logging.FieldRoomKey, key).Logger(),
		streams: make(map[peer.ID][]*streamConn),
		dialing: make(map[peer.ID]bool),
	}
}

func (c *channel) SelfID() string {
	return memberID(c.node.host.ID(), c.session)
}

func (c *channel) Broadcast(ctx context.Context, data []byte) error {
	line, err := encodeFrame(frame{Type: frameMsg, Data: data})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	targets := make([]*streamConn, 0, len(c.streams))
	for _, conns := range c.streams {
		if len(conns) > 0 {
			targets = append(targets, conns[0])
		}
	}
	c.mu.Unlock()

	for _, conn := range targets {
		if !conn.enqueue(line) {
			c.logger.Warn().Msg("stream backed up, dropping frame")
		}
	}
	return nil
}

func (c *channel) Leave() error {
	c.close()
	return nil
}

// lose closes the channel on behalf of the node and tells the handler.
func (c *channel) lose(err error) {
	members := c.close()
	if members == nil {
		return
	}
	for _, id := range members {
		c.handler.OnPeerLeave(id)
	}
	c.handler.OnDisconnect(err)
}

// close shuts every stream and returns the members that were connected,
// or nil when the channel was already closed.
func (c *channel) close() []string {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var conns []*streamConn
	members := []string{}
	for _, list := range c.streams {
		conns = append(conns, list...)
		if len(list) > 0 {
			members = append(members, list[0].member)
		}
	}
	c.streams = make(map[peer.ID][]*streamConn)
	c.mu.Unlock()

	c.node.forget(c)
	for _, conn := range conns {
		conn.close()
	}
	return members
}

// dial opens a room stream to info and serves it once the remote
// acknowledges the room.
func (c *channel) dial(info peer.AddrInfo) {
	c.mu.Lock()
	if c.closed || c.dialing[info.ID] || len(c.streams[info.ID]) > 0 {
		c.mu.Unlock()
		return
	}
	c.dialing[info.ID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.dialing, info.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	h := c.node.host
	if len(info.Addrs) > 0 {
		if err := h.Connect(ctx, info); err != nil {
			c.logger.Debug().Err(err).Str(logging.FieldPeerID, info.ID.String()).Msg("connect failed")
			return
		}
	}
	s, err := h.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		c.logger.Debug().Err(err).Str(logging.FieldPeerID, info.ID.String()).Msg("open stream failed")
		return
	}
	conn := newStreamConn(s)
	if err := conn.write(frame{Type: frameHello, Room: c.key, Session: c.session}); err != nil {
		_ = s.Reset()
		return
	}

	s.SetReadDeadline(time.Now().Add(helloWait))
	ack, err := conn.read()
	s.SetReadDeadline(time.Time{})
	if err != nil || ack.Type != frameHello || ack.Room != c.key {
		// The remote is not in this room.
		_ = s.Reset()
		return
	}
	conn.member = memberID(info.ID, ack.Session)
	c.serve(info.ID, conn)
}

// serve registers conn for remote and reads it until it fails.
func (c *channel) serve(remote peer.ID, conn *streamConn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.close()
		return
	}
	list := c.streams[remote]
	var stale []*streamConn
	if len(list) > 0 && list[0].member != conn.member {
		// The remote rejoined before its old streams were torn down.
		stale, list = list, nil
	}
	first := len(list) == 0
	c.streams[remote] = append(list, conn)
	c.mu.Unlock()

	go conn.writeLoop()
	if len(stale) > 0 {
		for _, old := range stale {
			old.close()
		}
		c.handler.OnPeerLeave(stale[0].member)
	}
	if first {
		c.handler.OnPeerJoin(conn.member)
	}

	for {
		f, err := conn.read()
		if err != nil {
			break
		}
		switch f.Type {
		case frameMsg:
			c.handler.OnMessage([]byte(f.Data), conn.member)
		case framePeers:
			c.meet(f.Addrs)
		default:
			c.logger.Debug().Str("type", f.Type).Msg("ignoring stream frame")
		}
	}

	conn.close()
	if c.drop(remote, conn) {
		c.handler.OnPeerLeave(conn.member)
	}
}

// drop unregisters conn and reports whether it was remote's last stream.
func (c *channel) drop(remote peer.ID, conn *streamConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	list := c.streams[remote]
	found := false
	for i, other := range list {
		if other == conn {
			list = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(list) == 0 {
		delete(c.streams, remote)
		return true
	}
	c.streams[remote] = list
	return false
}

// meet dials room members learned from another peer.
func (c *channel) meet(addrs []string) {
	maddrs := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, raw := range addrs {
		ma, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			c.logger.Debug().Err(err).Str("addr", raw).Msg("ignoring bad peer addr")
			continue
		}
		maddrs = append(maddrs, ma)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(maddrs...)
	if err != nil {
		c.logger.Debug().Err(err).Msg("ignoring peer list")
		return
	}
	for _, info := range infos {
		if info.ID == c.node.host.ID() {
			continue
		}
		go c.dial(info)
	}
}

// memberAddrs lists the addresses of room members other than exclude.
func (c *channel) memberAddrs(exclude peer.ID) []string {
	c.mu.Lock()
	ids := make([]peer.ID, 0, len(c.streams))
	for id := range c.streams {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var addrs []string
	for _, id := range ids {
		addrs = append(addrs, c.node.peerAddrs(id)...)
	}
	return addrs
}
