package p2p

import (
	"bufio"
	"encoding/json"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
)

const (
	frameHello = "HELLO"
	framePeers = "PEERS"
	frameMsg   = "MSG"

	streamBuffer = 64
)

// frame is one newline-delimited JSON record on a room stream.
type frame struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	Session string          `json:"session,omitempty"`
	Addrs   []string        `json:"addrs,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type streamConn struct {
	s   network.Stream
	dec *json.Decoder
	// member is the remote's room identity, learned from its HELLO.
	member string

	wmu  sync.Mutex
	send chan []byte
	once sync.Once
	done chan struct{}
}

func newStreamConn(s network.Stream) *streamConn {
	return &streamConn{
		s:    s,
		dec:  json.NewDecoder(bufio.NewReader(s)),
		send: make(chan []byte, streamBuffer),
		done: make(chan struct{}),
	}
}

func (c *streamConn) read() (frame, error) {
	var f frame
	err := c.dec.Decode(&f)
	return f, err
}

// write sends a frame synchronously. Only the handshake uses it; after
// that frames go through enqueue and writeLoop.
func (c *streamConn) write(f frame) error {
	line, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.s.Write(line)
	return err
}

// enqueue drops the line when the stream is backed up.
func (c *streamConn) enqueue(line []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- line:
		return true
	default:
		return false
	}
}

func (c *streamConn) writeLoop() {
	for {
		select {
		case line := <-c.send:
			c.wmu.Lock()
			_, err := c.s.Write(line)
			c.wmu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *streamConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.s.Close()
	})
}

func encodeFrame(f frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
