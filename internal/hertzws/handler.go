package hertzws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/websocket"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/protocol"
	"github.com/x1erra/xierraxyz/internal/rooms"
)

const (
	sendBuffer   = 32
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	writeWait    = 10 * time.Second
)

// Handler 本地界面的WebSocket处理器
type Handler struct {
	manager  *rooms.Manager
	upgrader websocket.HertzUpgrader
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(manager *rooms.Manager) *Handler {
	return &Handler{
		manager: manager,
		upgrader: websocket.HertzUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(ctx *app.RequestContext) bool {
				return true
			},
		},
	}
}

// HandleWebSocket 推送房间视图和同步事件，接收界面发出的意图
func (h *Handler) HandleWebSocket(c context.Context, ctx *app.RequestContext) {
	l := logging.Ctx(c)
	roomID := ctx.Param("roomId")

	room, err := h.manager.GetRoom(roomID)
	if err != nil {
		ctx.JSON(consts.StatusNotFound, errorEnvelope("room_not_found", err.Error()))
		return
	}

	err = h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		s := newSession(room, conn)
		s.run()
	})
	if err != nil {
		l.Warn().Err(err).Str(logging.FieldRoomID, roomID).Msg("websocket upgrade failed")
	}
}

// session 一个界面连接
type session struct {
	room  *rooms.Room
	conn  *websocket.Conn
	clock *rooms.ReportedClock

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	clockOnce sync.Once
}

func newSession(room *rooms.Room, conn *websocket.Conn) *session {
	return &session{
		room:  room,
		conn:  conn,
		clock: &rooms.ReportedClock{},
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
}

func (s *session) run() {
	views, unsubscribe := s.room.Subscribe()
	stopEvents := s.room.OnSyncEvent(func(action protocol.Action, senderID string) {
		s.enqueue(protocol.Envelope{
			Kind: protocol.KindSyncEvent,
			Data: protocol.SyncEventPayload{Sender: senderID, Action: protocol.ToWire(action)},
		})
	})
	defer func() {
		stopEvents()
		unsubscribe()
		s.room.ReleaseClock(s.clock)
		s.close()
	}()

	s.enqueue(protocol.Envelope{Kind: protocol.KindView, Data: s.room.View()})

	go s.writeLoop()
	go func() {
		for view := range views {
			s.enqueue(protocol.Envelope{Kind: protocol.KindView, Data: view})
		}
		// 房间已离开
		s.close()
	}()

	s.readLoop()
}

func (s *session) readLoop() {
	l := logging.L()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Warn().Err(err).Str(logging.FieldRoomID, s.room.ID()).Msg("ui websocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var inbound protocol.InboundEnvelope
		if err := json.Unmarshal(data, &inbound); err != nil {
			s.enqueue(errorEnvelope("invalid_frame", "frame is not a JSON envelope"))
			continue
		}
		s.dispatch(inbound)
	}
}

// dispatch 根据消息类型处理
func (s *session) dispatch(inbound protocol.InboundEnvelope) {
	bg := context.Background()
	switch inbound.Kind {
	case protocol.KindSync:
		action, err := protocol.DecodeAction(inbound.Data)
		if err != nil {
			s.enqueue(errorEnvelope("invalid_action", err.Error()))
			return
		}
		if err := s.room.SendSync(bg, action); err != nil {
			s.enqueue(errorEnvelope("sync_failed", err.Error()))
		}
	case protocol.KindChat:
		var req protocol.ChatRequest
		if err := json.Unmarshal(inbound.Data, &req); err != nil {
			s.enqueue(errorEnvelope("invalid_message", err.Error()))
			return
		}
		if _, err := s.room.SendMessage(bg, req.Text); err != nil {
			s.enqueue(errorEnvelope("invalid_message", err.Error()))
		}
	case protocol.KindResync:
		if err := s.room.RequestState(); err != nil {
			code := "resync_failed"
			if errors.Is(err, rooms.ErrNotConnected) {
				code = "not_connected"
			}
			s.enqueue(errorEnvelope(code, err.Error()))
		}
	case protocol.KindProgress:
		var p protocol.ProgressPayload
		if err := json.Unmarshal(inbound.Data, &p); err != nil || p.Position < 0 {
			s.enqueue(errorEnvelope("invalid_progress", "progress needs a non-negative position"))
			return
		}
		s.clock.Set(p.Position)
		s.clockOnce.Do(func() { s.room.SetClock(s.clock) })
	default:
		s.enqueue(errorEnvelope("unknown_kind", "Unsupported message type"))
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// enqueue 缓冲区满时丢弃，界面总会收到之后的完整视图
func (s *session) enqueue(envelope protocol.Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	select {
	case <-s.done:
	case s.send <- data:
	default:
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		// 解除读循环阻塞
		s.conn.SetReadDeadline(time.Now())
	})
}

func errorEnvelope(code, message string) protocol.Envelope {
	return protocol.Envelope{
		Kind: protocol.KindError,
		Data: protocol.ErrorPayload{Code: code, Message: message},
	}
}
