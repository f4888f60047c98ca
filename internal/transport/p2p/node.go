// Package p2p runs room channels directly between peers over libp2p
// streams. Every pair of peers in a room shares at least one stream; a
// newcomer learns the rest of the room from the peer it first reaches.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/transport"
)

const (
	ProtocolID = protocol.ID("/theatre/sync/1.0.0")

	dialTimeout = 10 * time.Second
	helloWait   = 10 * time.Second
)

var (
	ErrAlreadyJoined = errors.New("p2p: room already joined on this node")
	ErrNodeClosed    = errors.New("p2p: node closed")
)

type Config struct {
	Listen    []string
	Bootstrap []string
}

// Node is a libp2p host that can join any number of rooms.
type Node struct {
	host      host.Host
	bootstrap []peer.AddrInfo
	logger    zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*channel
}

func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	listen := cfg.Listen
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listen...))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	n := &Node{
		host:   h,
		logger: logging.L().With().Str(logging.FieldDriver, "p2p").Str(logging.FieldPeerID, h.ID().String()).Logger(),
		rooms:  make(map[string]*channel),
	}
	h.SetStreamHandler(ProtocolID, n.handleStream)

	for _, raw := range cfg.Bootstrap {
		info, err := parseAddrInfo(raw)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("bootstrap %q: %w", raw, err)
		}
		if info.ID == h.ID() {
			continue
		}
		n.bootstrap = append(n.bootstrap, *info)
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		if err := h.Connect(dctx, *info); err != nil {
			n.logger.Warn().Err(err).Str("bootstrap", raw).Msg("bootstrap peer unreachable")
		}
		cancel()
	}

	n.logger.Info().Strs("multiaddr", n.Addrs()).Msg("libp2p ready")
	return n, nil
}

func (n *Node) ID() string {
	return n.host.ID().String()
}

// Addrs lists the node's dialable multiaddrs including its peer id.
func (n *Node) Addrs() []string {
	return multiaddrs(n.host.ID(), n.host.Addrs())
}

func (n *Node) Close() error {
	n.mu.Lock()
	rooms := make([]*channel, 0, len(n.rooms))
	for _, c := range n.rooms {
		rooms = append(rooms, c)
	}
	n.mu.Unlock()
	for _, c := range rooms {
		c.lose(ErrNodeClosed)
	}
	return n.host.Close()
}

// Join opens the room on this node and reaches out to every connected and
// bootstrap peer. Peers that are not in the room decline the stream.
func (n *Node) Join(ctx context.Context, roomKey string, h transport.Handler) (transport.Channel, error) {
	if roomKey == "" {
		return nil, errors.New("p2p: empty room key")
	}
	c := newChannel(n, roomKey, h)

	n.mu.Lock()
	if _, exists := n.rooms[roomKey]; exists {
		n.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	n.rooms[roomKey] = c
	n.mu.Unlock()

	seen := map[peer.ID]bool{n.host.ID(): true}
	var targets []peer.AddrInfo
	for _, info := range n.bootstrap {
		if !seen[info.ID] {
			seen[info.ID] = true
			targets = append(targets, info)
		}
	}
	for _, id := range n.host.Network().Peers() {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, peer.AddrInfo{ID: id})
		}
	}
	for _, info := range targets {
		go c.dial(info)
	}
	return c, nil
}

func (n *Node) room(key string) (*channel, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.rooms[key]
	return c, ok
}

func (n *Node) forget(c *channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rooms[c.key] == c {
		delete(n.rooms, c.key)
	}
}

// handleStream accepts a stream for a joined room and acknowledges it with
// HELLO followed by the room's other members.
func (n *Node) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	conn := newStreamConn(s)

	s.SetReadDeadline(time.Now().Add(helloWait))
	hello, err := conn.read()
	s.SetReadDeadline(time.Time{})
	if err != nil || hello.Type != frameHello {
		_ = s.Reset()
		return
	}
	c, ok := n.room(hello.Room)
	if !ok {
		_ = s.Reset()
		return
	}
	conn.member = memberID(remote, hello.Session)
	if err := conn.write(frame{Type: frameHello, Room: hello.Room, Session: c.session}); err != nil {
		_ = s.Reset()
		return
	}
	if err := conn.write(frame{Type: framePeers, Addrs: c.memberAddrs(remote)}); err != nil {
		_ = s.Reset()
		return
	}
	c.serve(remote, conn)
}

func (n *Node) peerAddrs(id peer.ID) []string {
	return multiaddrs(id, n.host.Peerstore().Addrs(id))
}

// memberID names one join of a room by a node. A node that leaves and
// joins again comes back under a new session and so a new member id.
func memberID(id peer.ID, session string) string {
	if session == "" {
		return id.String()
	}
	return id.String() + "/" + session
}

func multiaddrs(id peer.ID, raw []multiaddr.Multiaddr) []string {
	addrs := make([]string, 0, len(raw))
	for _, addr := range raw {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr.String(), id.String()))
	}
	sort.Strings(addrs)
	return addrs
}

func parseAddrInfo(raw string) (*peer.AddrInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("multiaddr required")
	}
	if strings.Contains(raw, "/p2p/") {
		ma, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid multiaddr: %w", err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("addr info: %w", err)
		}
		return info, nil
	}
	info, err := peer.AddrInfoFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("addr info: %w", err)
	}
	return info, nil
}
