package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/ports"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingInterval = (streamPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler pushes live session events to UI clients over websocket.
type StreamHandler struct {
	service ports.TrackingService
	log     zerolog.Logger
}

func NewStreamHandler(service ports.TrackingService, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{service: service, log: log.With().Str("component", "stream_handler").Logger()}
}

// Stream handles GET /v1/trips/:trip_id/stream.
// The first frame is the current snapshot; the socket closes when the session ends.
//
// @Summary      Live tracking stream
// @Tags         tracking
// @Param        trip_id  path  string  true  "Trip id"
// @Success      101
// @Failure      404  {object}  errorResponse
// @Router       /v1/trips/{trip_id}/stream [get]
func (h *StreamHandler) Stream(c echo.Context) error {
	tripID := c.Param("trip_id")
	events, cancel, err := h.service.Watch(c.Request().Context(), tripID)
	if err != nil {
		return err
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn().Err(err).Str("trip_id", tripID).Msg("stream upgrade failed")
		return nil
	}
	defer conn.Close()

	// Inbound frames are ignored; reading keeps pongs flowing and spots a closed client.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return nil
			}
			if err := conn.WriteJSON(toStreamEvent(ev)); err != nil {
				h.log.Debug().Err(err).Str("trip_id", tripID).Msg("stream write failed")
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-gone:
			return nil
		}
	}
}
