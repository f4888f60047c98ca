package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/protocol"
	"github.com/x1erra/xierraxyz/internal/relay"
)

type Config struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 65536
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

type Handler struct {
	hub      *relay.Hub
	cfg      Config
	upgrader websocket.Upgrader
}

func NewHandler(hub *relay.Hub, cfg Config) *Handler {
	return &Handler{
		hub: hub,
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := logging.Ctx(r.Context())

	roomKey, err := extractRoomKey(r.URL.Path)
	if err != nil {
		l.Warn().Str(logging.FieldPath, r.URL.Path).Msg("invalid room path")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("invalid room path"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		l.Warn().Err(err).Str(logging.FieldRoomKey, roomKey).Msg("upgrade failed")
		return
	}

	participant, err := h.hub.Join(roomKey)
	if err != nil {
		_ = conn.Close()
		return
	}

	go h.writeLoop(conn, participant)
	h.readLoop(conn, participant)
	h.hub.Leave(participant)
}

func (h *Handler) readLoop(conn *websocket.Conn, participant *relay.Participant) {
	l := logging.L()
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Warn().Err(err).Str(logging.FieldPeerID, participant.ID).Msg("websocket read error")
			}
			return
		}
		var inbound protocol.InboundEnvelope
		if err := json.Unmarshal(data, &inbound); err != nil {
			participant.Send(errorEnvelope("invalid_frame", "frame is not a JSON envelope"))
			continue
		}
		switch inbound.Kind {
		case protocol.KindBroadcast:
			var frame protocol.RelayedFrame
			if err := json.Unmarshal(inbound.Data, &frame); err != nil {
				participant.Send(errorEnvelope("invalid_frame", "broadcast needs a data field"))
				continue
			}
			if err := h.hub.Relay(participant, frame.Data); err != nil {
				participant.Send(errorEnvelope("invalid_frame", err.Error()))
			}
		default:
			participant.Send(errorEnvelope("unknown_kind", "unsupported message type"))
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, participant *relay.Participant) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-participant.Messages():
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errorEnvelope(code, message string) protocol.Envelope {
	return protocol.Envelope{
		Kind: protocol.KindError,
		Data: protocol.ErrorPayload{Code: code, Message: message},
	}
}

func extractRoomKey(path string) (string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "ws" || parts[1] != "rooms" || parts[2] == "" {
		return "", errors.New("invalid path")
	}
	return parts[2], nil
}
