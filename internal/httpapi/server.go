package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/protocol"
	"github.com/x1erra/xierraxyz/internal/relay"
	"github.com/x1erra/xierraxyz/internal/ws"
)

// Server is the relay's HTTP surface.
type Server struct {
	hub    *relay.Hub
	ws     *ws.Handler
	router *echo.Echo
}

type peersResponse struct {
	RoomKey string   `json:"roomKey"`
	Peers   []string `json:"peers"`
}

func NewServer(hub *relay.Hub, wsCfg ws.Config, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(logging.EchoMiddleware(logger))
	e.Use(middleware.Recover())

	server := &Server{
		hub:    hub,
		ws:     ws.NewHandler(hub, wsCfg),
		router: e,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/api/rooms/:roomKey/peers", server.handlePeers)
	e.GET("/ws/rooms/:roomKey", server.handleWebSocket)

	return server
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handlePeers(c echo.Context) error {
	roomKey := c.Param("roomKey")
	if roomKey == "" {
		return respondError(c, http.StatusBadRequest, "invalid_request", "room key is required")
	}
	return c.JSON(http.StatusOK, peersResponse{RoomKey: roomKey, Peers: s.hub.Peers(roomKey)})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	roomKey := c.Param("roomKey")
	c.Request().URL.Path = "/ws/rooms/" + roomKey
	// The websocket handler owns the connection from here on.
	s.ws.ServeHTTP(c.Response(), c.Request())
	return nil
}

func respondError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, protocol.Envelope{
		Kind: protocol.KindError,
		Data: protocol.ErrorPayload{
			Code:    code,
			Message: message,
		},
	})
}
