package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/research"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/internal/storage/sqlite"
	"github.com/tribe-relocation/backend/pkg/logger"
)

type ResearchHandler struct {
	service *research.Service
}

func NewResearchHandler(service *research.Service) *ResearchHandler {
	return &ResearchHandler{
		service: service,
	}
}

func (h *ResearchHandler) RegisterCorridor(c *fiber.Ctx) error {
	var req struct {
		Origin      string       `json:"origin"`
		Destination string       `json:"destination"`
		Stage       models.Stage `json:"stage"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	corridor, err := h.service.RegisterCorridor(c.UserContext(), c.Get("X-User-ID"), models.UserContext{
		Origin:      req.Origin,
		Destination: req.Destination,
		Stage:       req.Stage,
	})
	if err != nil {
		return h.fail(c, err, "Failed to register corridor")
	}

	return c.Status(fiber.StatusCreated).JSON(corridor)
}

func (h *ResearchHandler) GetFeed(c *fiber.Ctx) error {
	origin := strings.TrimSpace(c.Query("origin"))
	destination := strings.TrimSpace(c.Query("destination"))
	if origin == "" || destination == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "origin and destination are required",
		})
	}

	feed, err := h.service.QueryFeed(c.UserContext(), sqlite.FeedQuery{
		Origin:      origin,
		Destination: destination,
		Limit:       c.QueryInt("limit", 0),
		Source:      models.Source(c.Query("source")),
	})
	if err != nil {
		return h.fail(c, err, "Failed to load feed")
	}

	return c.JSON(fiber.Map{
		"origin":      origin,
		"destination": destination,
		"items":       feed.Items,
		"count":       len(feed.Items),
		"cached":      feed.Cached,
	})
}

func (h *ResearchHandler) GetResearchStatus(c *fiber.Ctx) error {
	state, err := h.service.GetCorridorResearchStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err, "Failed to load research status")
	}

	return c.JSON(state)
}

// TriggerResearch answers 202 whether or not a run started; "started" tells
// the caller which.
func (h *ResearchHandler) TriggerResearch(c *fiber.Ctx) error {
	corridorID := c.Params("id")
	force := c.QueryBool("force", false)

	started, err := h.service.TriggerResearch(c.UserContext(), corridorID, force)
	if err != nil {
		return h.fail(c, err, "Failed to trigger research")
	}

	state, err := h.service.GetCorridorResearchStatus(c.UserContext(), corridorID)
	if err != nil {
		return h.fail(c, err, "Failed to load research status")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"corridor_id": corridorID,
		"started":     started,
		"status":      state.Status,
	})
}

func (h *ResearchHandler) GetVideoAnalysis(c *fiber.Ctx) error {
	videoID := c.Params("id")

	analysis, ok := h.service.GetVideoAnalysis(c.UserContext(), videoID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No analysis for this video",
		})
	}

	return c.JSON(analysis)
}

func (h *ResearchHandler) fail(c *fiber.Ctx, err error, msg string) error {
	switch {
	case errors.Is(err, research.ErrCorridorNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Corridor not found",
		})
	case errors.Is(err, models.ErrInvalidContext):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logger.Error(msg, zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
	})
}
