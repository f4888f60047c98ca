package hertzapi

import (
	"context"
	"errors"

	"github.com/RanFeng/ilog"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"

	"github.com/x1erra/xierraxyz/internal/hertzws"
	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/protocol"
	"github.com/x1erra/xierraxyz/internal/rooms"
)

// NewRouter 初始化本地节点的Hertz路由
func NewRouter(h *server.Hertz, roomManager *rooms.Manager, logger zerolog.Logger) *server.Hertz {
	wsHandler := hertzws.NewHandler(roomManager)

	h.Use(recoveryMiddleware())
	h.Use(logging.HertzMiddleware(logger))

	h.GET("/healthz", func(c context.Context, ctx *app.RequestContext) {
		ctx.String(consts.StatusOK, "ok")
	})

	api := h.Group("/api")
	{
		roomsGroup := api.Group("/rooms")
		{
			roomsGroup.GET("", handleListRooms(roomManager))
			roomsGroup.POST("/join", handleJoinRoom(roomManager))
			roomsGroup.GET("/:roomId", handleGetRoom(roomManager))
			roomsGroup.DELETE("/:roomId", handleLeaveRoom(roomManager))
			roomsGroup.POST("/:roomId/actions", handleSendAction(roomManager))
			roomsGroup.POST("/:roomId/messages", handleSendMessage(roomManager))
			roomsGroup.POST("/:roomId/resync", handleResync(roomManager))
		}
	}

	h.GET("/ws/rooms/:roomId", wsHandler.HandleWebSocket)

	return h
}

// recoveryMiddleware 恢复中间件
func recoveryMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		defer func() {
			if err := recover(); err != nil {
				logger := logging.Ctx(c)
				logger.Error().Interface("panic", err).Msg("handler panic")
				respondError(ctx, consts.StatusInternalServerError, "internal_error", "Internal Server Error")
			}
		}()
		ctx.Next(c)
	}
}

// handleListRooms 列出已加入的房间
func handleListRooms(roomManager *rooms.Manager) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, map[string]interface{}{
			"rooms": roomManager.RoomIDs(),
		})
	}
}

// handleJoinRoom 加入房间，房间号和用户名为空时自动生成
func handleJoinRoom(roomManager *rooms.Manager) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		var payload joinRoomRequest
		if len(ctx.Request.Body()) > 0 {
			if err := ctx.BindJSON(&payload); err != nil {
				respondError(ctx, consts.StatusBadRequest, "invalid_request", "Invalid request body")
				return
			}
		}

		ilog.EventInfo(c, "JoinRoom_start", "roomID", payload.RoomID, "username", payload.Username)

		session, err := roomManager.JoinRoom(c, payload.RoomID, payload.Password, payload.Username)
		if err != nil {
			respondRoomError(ctx, err, "join_failed")
			return
		}
		ilog.EventInfo(c, "JoinRoom_end", "roomID", session.RoomID, "connected", session.Connected)

		ctx.JSON(consts.StatusOK, session)
	}
}

// handleGetRoom 获取房间视图
func handleGetRoom(roomManager *rooms.Manager) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		view, err := roomManager.GetState(ctx.Param("roomId"))
		if err != nil {
			respondRoomError(ctx, err, "state_fetch_failed")
			return
		}
		ctx.JSON(consts.StatusOK, view)
	}
}

// handleLeaveRoom 离开房间
func handleLeaveRoom(roomManager *rooms.Manager) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		if err := roomManager.LeaveRoom(c, ctx.Param("roomId")); err != nil {
			respondRoomError(ctx, err, "leave_failed")
			return
		}
		ctx.Status(consts.StatusNoContent)
	}
}

// handleSendAction 本地执行同步动作并广播，请求体即动作本身
func handleSendAction(roomManager *rooms.Manager) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		room, err := roomManager.GetRoom(ctx.Param("roomId"))
		if err != nil {
			respondRoomError(ctx, err, "action_failed")
			return
		}

		action, err := protocol.DecodeAction(ctx.Request.Body())
		if err != nil {
			respondError(ctx, consts.StatusBadRequest, "invalid_action", err.Error())
			return
		}

		if err := room.SendSync(c, action); err != nil {
			respondRoomError(ctx, err, "action_failed")
			return
		}
		ctx.JSON(consts.StatusOK, room.View())
	}
}

// handleSendMessage 发送聊天消息
func handleSendMessage(roomManager *rooms.Manager) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		room, err := roomManager.GetRoom(ctx.Param("roomId"))
		if err != nil {
			respondRoomError(ctx, err, "message_failed")
			return
		}

		var payload protocol.ChatRequest
		if err := ctx.BindJSON(&payload); err != nil {
			respondError(ctx, consts.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}

		msg, err := room.SendMessage(c, payload.Text)
		if err != nil {
			respondRoomError(ctx, err, "message_failed")
			return
		}
		ctx.JSON(consts.StatusCreated, msg)
	}
}

// handleResync 主动向房间内其他节点请求状态
func handleResync(roomManager *rooms.Manager) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		room, err := roomManager.GetRoom(ctx.Param("roomId"))
		if err != nil {
			respondRoomError(ctx, err, "resync_failed")
			return
		}
		if err := room.RequestState(); err != nil {
			respondRoomError(ctx, err, "resync_failed")
			return
		}
		ctx.Status(consts.StatusAccepted)
	}
}

type joinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// respondRoomError 将房间错误映射为HTTP状态码
func respondRoomError(ctx *app.RequestContext, err error, fallback string) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		respondError(ctx, consts.StatusNotFound, "room_not_found", err.Error())
	case errors.Is(err, rooms.ErrPasswordMismatch):
		respondError(ctx, consts.StatusConflict, "password_mismatch", err.Error())
	case errors.Is(err, rooms.ErrEmptyMessage):
		respondError(ctx, consts.StatusBadRequest, "empty_message", err.Error())
	case errors.Is(err, rooms.ErrNotConnected):
		respondError(ctx, consts.StatusServiceUnavailable, "not_connected", err.Error())
	case errors.Is(err, rooms.ErrRoomClosed):
		respondError(ctx, consts.StatusGone, "room_closed", err.Error())
	default:
		respondError(ctx, consts.StatusInternalServerError, fallback, err.Error())
	}
}

// respondError 返回错误响应
func respondError(ctx *app.RequestContext, status int, code, message string) {
	ctx.JSON(status, protocol.Envelope{
		Kind: protocol.KindError,
		Data: protocol.ErrorPayload{Code: code, Message: message},
	})
}
