package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/service"
	"github.com/noah-isme/gema-crm/internal/utils"
)

// DealActivityHandler exposes a deal's threaded activity feed.
type DealActivityHandler struct {
	service service.DealActivityService
	logger  zerolog.Logger
}

// NewDealActivityHandler constructs the handler.
func NewDealActivityHandler(service service.DealActivityService, logger zerolog.Logger) *DealActivityHandler {
	return &DealActivityHandler{
		service: service,
		logger:  logger.With().Str("component", "deal_activity_handler").Logger(),
	}
}

// Register wires the routes under /deals. writeGuards run before Create only.
func (h *DealActivityHandler) Register(router fiber.Router, writeGuards ...fiber.Handler) {
	router.Get("/:id/activities", h.List)
	router.Post("/:id/activities", append(writeGuards, h.Create)...)
}

// List returns the deal's activity threads.
func (h *DealActivityHandler) List(c *fiber.Ctx) error {
	dealID := strings.TrimSpace(c.Params("id"))
	if dealID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "deal id required")
	}

	threads, err := h.service.List(requestContext(c), dealID)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Str("deal_id", dealID).Msg("failed to list deal activity")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load deal activity")
	}

	return utils.SendSuccess(c, "deal activity retrieved", threads)
}

// Create posts a new activity, optionally as a reply.
func (h *DealActivityHandler) Create(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}
	dealID := strings.TrimSpace(c.Params("id"))
	if dealID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "deal id required")
	}

	var payload dto.DealActivityCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	created, err := h.service.Create(requestContext(c), dealID, userID, payload)
	if err != nil {
		switch {
		case isValidationError(err):
			return utils.Fail(c, fiber.StatusBadRequest, "validation failed", err.Error())
		case errors.Is(err, service.ErrActivityParentInvalid), errors.Is(err, service.ErrActivityContentEmpty):
			return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Str("deal_id", dealID).Msg("failed to create deal activity")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to create deal activity")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "deal activity created", created)
}
