package validation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/storage/models"
)

var (
	placePattern   = regexp.MustCompile(`^[\p{L}\p{M}][\p{L}\p{M} .,'()-]*$`)
	videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,20}$`)
	xssPattern     = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
)

type Config struct {
	MaxPlaceLength      int
	MaxFeedLimit        int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed corridor, feed and video requests before they
// reach a handler.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxPlaceLength == 0 {
		cfg.MaxPlaceLength = 80
	}
	if cfg.MaxFeedLimit == 0 {
		cfg.MaxFeedLimit = 100
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return badRequest(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
				}
			}
		}

		path := c.Path()

		switch {
		case path == "/api/v1/feed":
			if msg := cfg.checkPlace("origin", c.Query("origin")); msg != "" {
				return badRequest(c, fiber.StatusBadRequest, msg)
			}
			if msg := cfg.checkPlace("destination", c.Query("destination")); msg != "" {
				return badRequest(c, fiber.StatusBadRequest, msg)
			}
			if raw := c.Query("limit"); raw != "" {
				limit, err := strconv.Atoi(raw)
				if err != nil || limit < 1 || limit > cfg.MaxFeedLimit {
					return badRequest(c, fiber.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(cfg.MaxFeedLimit))
				}
			}
			if raw := c.Query("source"); raw != "" && !models.Source(raw).Valid() {
				return badRequest(c, fiber.StatusBadRequest, "Unknown source")
			}

		case path == "/api/v1/corridors" && c.Method() == fiber.MethodPost:
			var req struct {
				Origin      string `json:"origin"`
				Destination string `json:"destination"`
				Stage       string `json:"stage"`
			}
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, fiber.StatusBadRequest, "Invalid JSON format")
			}
			if containsXSS(req.Origin) || containsXSS(req.Destination) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("path", path),
				)
				return badRequest(c, fiber.StatusBadRequest, "Invalid corridor content")
			}
			if msg := cfg.checkPlace("origin", req.Origin); msg != "" {
				return badRequest(c, fiber.StatusBadRequest, msg)
			}
			if msg := cfg.checkPlace("destination", req.Destination); msg != "" {
				return badRequest(c, fiber.StatusBadRequest, msg)
			}
			if !models.Stage(req.Stage).Valid() {
				return badRequest(c, fiber.StatusBadRequest, "stage must be one of dreaming, planning, preparing, relocating, settling")
			}

		case strings.HasPrefix(path, "/api/v1/corridors/"):
			id := strings.TrimPrefix(path, "/api/v1/corridors/")
			id, _, _ = strings.Cut(id, "/")
			if _, err := uuid.Parse(id); err != nil {
				return badRequest(c, fiber.StatusBadRequest, "Invalid corridor id")
			}

		case strings.HasPrefix(path, "/api/v1/videos/"):
			id := strings.TrimPrefix(path, "/api/v1/videos/")
			id, _, _ = strings.Cut(id, "/")
			if !videoIDPattern.MatchString(id) {
				return badRequest(c, fiber.StatusBadRequest, "Invalid video id")
			}
		}

		return c.Next()
	}
}

func (cfg Config) checkPlace(field, value string) string {
	value = sanitizeString(value)
	if value == "" {
		return field + " is required"
	}
	if len([]rune(value)) > cfg.MaxPlaceLength {
		return field + " exceeds maximum length"
	}
	if !placePattern.MatchString(value) {
		return field + " must be a place name or country code"
	}
	return ""
}

func badRequest(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}
