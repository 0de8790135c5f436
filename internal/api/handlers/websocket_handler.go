package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/research"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
)

// WebSocketHandler streams research status changes of one corridor. Clients
// may also send {"type": "trigger", "force": bool} over the same socket.
type WebSocketHandler struct {
	service *research.Service
}

func NewWebSocketHandler(service *research.Service) *WebSocketHandler {
	return &WebSocketHandler{
		service: service,
	}
}

type clientMessage struct {
	Type  string `json:"type"`
	Force bool   `json:"force"`
}

// Upgrade rejects plain HTTP requests to the stream endpoint.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	corridorID := c.Params("id")
	logger.Info("WebSocket connection established", zap.String("corridor_id", corridorID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("corridor_id", corridorID))
	}()

	// Subscribe before reading the current state so no transition is lost
	// in between.
	updates, stop := h.service.Watch(corridorID)
	defer stop()

	ctx := context.Background()
	state, err := h.service.GetCorridorResearchStatus(ctx, corridorID)
	if err != nil {
		h.sendError(c, "Corridor not found")
		return
	}
	if err := h.sendStatus(c, state); err != nil {
		return
	}

	incoming := make(chan clientMessage)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg clientMessage
			if err := c.ReadJSON(&msg); err != nil {
				logger.Debug("WebSocket read ended", zap.Error(err))
				return
			}
			select {
			case incoming <- msg:
			case <-time.After(5 * time.Second):
			}
		}
	}()

	for {
		select {
		case <-closed:
			return

		case state, ok := <-updates:
			if !ok {
				return
			}
			if err := h.sendStatus(c, state); err != nil {
				logger.Error("Failed to stream status", zap.Error(err))
				return
			}

		case msg := <-incoming:
			if msg.Type != "trigger" {
				continue
			}
			started, err := h.service.TriggerResearch(ctx, corridorID, msg.Force)
			if err != nil {
				logger.Error("Failed to trigger research over websocket", zap.Error(err))
				h.sendError(c, "Failed to trigger research")
				continue
			}
			if err := h.sendTriggered(c, started); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendStatus(c *websocket.Conn, state models.CorridorResearchState) error {
	msg := map[string]interface{}{
		"type":  "status",
		"state": state,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendTriggered(c *websocket.Conn, started bool) error {
	msg := map[string]interface{}{
		"type":    "triggered",
		"started": started,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
