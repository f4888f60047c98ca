package logging

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// HertzMiddleware tags each request with an id and a child logger and logs
// its completion.
func HertzMiddleware(logger zerolog.Logger) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()

		reqID := string(ctx.GetHeader(headerRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		child := logger.With().
			Str(FieldRequestID, reqID).
			Str(FieldMethod, string(ctx.Method())).
			Str(FieldPath, string(ctx.Path())).
			Str(FieldClientIP, ctx.ClientIP()).
			Logger()
		ctx.Header(headerRequestID, reqID)

		ctx.Next(WithLogger(c, child))

		child.Info().
			Int(FieldStatus, ctx.Response.StatusCode()).
			Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
			Msg("request completed")
	}
}

// EchoMiddleware is the echo counterpart of HertzMiddleware.
func EchoMiddleware(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			reqID := req.Header.Get(headerRequestID)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			child := logger.With().
				Str(FieldRequestID, reqID).
				Str(FieldMethod, req.Method).
				Str(FieldPath, req.URL.Path).
				Str(FieldClientIP, c.RealIP()).
				Logger()
			c.Response().Header().Set(headerRequestID, reqID)
			c.SetRequest(req.WithContext(WithLogger(req.Context(), child)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			child.Info().
				Int(FieldStatus, c.Response().Status).
				Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
				Msg("request completed")
			return nil
		}
	}
}
