package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/quota"
	"github.com/tribe-relocation/backend/pkg/logger"
)

type QuotaHandler struct {
	ledger *quota.Ledger
}

func NewQuotaHandler(ledger *quota.Ledger) *QuotaHandler {
	return &QuotaHandler{
		ledger: ledger,
	}
}

func (h *QuotaHandler) GetQuota(c *fiber.Ctx) error {
	resource := c.Params("resource")

	status, err := h.ledger.CheckAvailable(c.UserContext(), resource)
	if errors.Is(err, quota.ErrUnknownResource) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown quota resource",
		})
	}
	if err != nil {
		logger.Error("Failed to check quota", zap.String("resource", resource), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to check quota",
		})
	}

	return c.JSON(status)
}
