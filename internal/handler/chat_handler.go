package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/middleware"
	"github.com/noah-isme/gema-crm/internal/service"
	"github.com/noah-isme/gema-crm/internal/utils"
)

const chatKeepaliveInterval = 30 * time.Second

// ChatHandler wires the chat session websocket and the chat HTTP views.
type ChatHandler struct {
	deps   service.SessionDeps
	groups service.GroupService
	logger zerolog.Logger
}

// NewChatHandler creates a chat handler. deps is shared by every session it opens;
// groups may be nil to disable group creation.
func NewChatHandler(deps service.SessionDeps, groups service.GroupService, logger zerolog.Logger) *ChatHandler {
	if deps.Previews == nil {
		deps.Previews = service.NewMediaPreviews()
	}
	if deps.Validator == nil {
		deps.Validator = validator.New(validator.WithRequiredStructEnabled())
	}
	deps.Logger = logger
	return &ChatHandler{
		deps:   deps,
		groups: groups,
		logger: logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
	router.Get("/conversations", h.conversations)
	router.Get("/history", h.history)
	router.Get("/threads/:id", h.thread)
	router.Get("/previews/:token", h.preview)
	router.Delete("/messages/:id", h.deleteMessage)
	if h.groups != nil {
		router.Post("/groups", middleware.WithAuth(h.createGroup, middleware.AuthOptions{Role: middleware.AuthRoleManager}))
	}
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID := localUserID(conn.Locals("user_id"))
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := h.logger.With().
		Str("user_id", userID).
		Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).
		Logger()

	session := service.NewSession(h.deps, userID)
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		session.Run(baseCtx)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writer(conn, session, logger)
	}()

	logger.Info().Msg("chat websocket connected")
	h.reader(conn, session, logger)

	session.Close()
	<-sessionDone
	<-writerDone
	logger.Info().Msg("chat websocket disconnected")
}

func (h *ChatHandler) reader(conn *websocket.Conn, session *service.Session, logger zerolog.Logger) {
	for {
		var cmd dto.ClientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}

		if err := session.Submit(cmd); err != nil {
			if errors.Is(err, service.ErrSessionClosed) {
				return
			}
			logger.Debug().Err(err).Str("command", cmd.Type).Msg("chat command rejected")
		}
	}
}

// writer forwards session updates until the session closes its update stream.
// After a write failure it keeps draining so the session never stalls on a dead socket.
func (h *ChatHandler) writer(conn *websocket.Conn, session *service.Session, logger zerolog.Logger) {
	ticker := time.NewTicker(chatKeepaliveInterval)
	defer ticker.Stop()

	updates := session.Updates()
	broken := false
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if broken {
				continue
			}
			if err := conn.WriteJSON(update); err != nil {
				logger.Debug().Err(err).Msg("chat write loop terminated")
				broken = true
				_ = conn.Close()
			}
		case <-ticker.C:
			if broken {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				logger.Debug().Err(err).Msg("chat ping failed")
				broken = true
				_ = conn.Close()
			}
		}
	}
}

func (h *ChatHandler) conversations(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	conversations, err := h.deps.Directory.Fetch(requestContext(c), userID)
	if err != nil {
		if len(conversations) == 0 {
			requestLogger(h.logger, c).Error().Err(err).Msg("conversation directory unavailable")
			return utils.SendError(c, fiber.StatusBadGateway, "failed to load conversations")
		}
		requestLogger(h.logger, c).Warn().Err(err).Msg("conversation directory partially loaded")
		return utils.OK(c, conversations, "conversations retrieved", fiber.Map{"partial": true})
	}

	return utils.OK(c, conversations, "conversations retrieved", nil)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	before, err := parseQueryTime(c, "before")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	query := dto.ChatHistoryQuery{
		GroupID: c.Query("group_id"),
		PeerID:  c.Query("peer_id"),
		Before:  before,
		Limit:   limit,
	}
	if err := h.deps.Validator.Struct(query); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid history query", err.Error())
	}

	ref := query.Ref()
	if ref.IsZero() {
		return utils.SendError(c, fiber.StatusBadRequest, "group_id or peer_id required")
	}

	opts := service.LoadOptions{Limit: query.Limit}
	if query.Before != nil {
		opts.Before = *query.Before
	}

	messages, err := h.deps.Gateway.Load(requestContext(c), userID, ref, opts)
	if err != nil {
		return h.chatError(c, err, "failed to load chat history")
	}

	return utils.SendSuccess(c, "chat history", messages)
}

func (h *ChatHandler) thread(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	thread, err := h.deps.Gateway.Thread(requestContext(c), userID, strings.TrimSpace(c.Params("id")))
	if err != nil {
		return h.chatError(c, err, "failed to load thread")
	}

	return utils.SendSuccess(c, "chat thread", thread)
}

func (h *ChatHandler) preview(c *fiber.Ctx) error {
	preview, ok := h.deps.Previews.Get(c.Params("token"))
	if !ok || preview.OwnerID != userIDFromContext(c) {
		return utils.SendError(c, fiber.StatusNotFound, "preview not found")
	}

	c.Set(fiber.HeaderContentType, preview.MimeType)
	c.Set(fiber.HeaderCacheControl, "private, no-store")
	return c.Status(fiber.StatusOK).Send(preview.Data)
}

func (h *ChatHandler) deleteMessage(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	deleted, err := h.deps.Gateway.Delete(requestContext(c), userID, strings.TrimSpace(c.Params("id")))
	if err != nil {
		return h.chatError(c, err, "failed to delete message")
	}

	return utils.SendSuccess(c, "message deleted", deleted)
}

func (h *ChatHandler) createGroup(c *fiber.Ctx) error {
	var payload dto.ChatGroupCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	created, err := h.groups.Create(requestContext(c), userIDFromContext(c), payload)
	if err != nil {
		switch {
		case isValidationError(err):
			return utils.Fail(c, fiber.StatusBadRequest, "validation failed", err.Error())
		case errors.Is(err, service.ErrGroupNameEmpty):
			return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to create group")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to create group")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "group created", created)
}

func (h *ChatHandler) chatError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, service.ErrConversationInvalid):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotGroupMember), errors.Is(err, service.ErrNotMessageOwner):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrMessageNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	}

	requestLogger(h.logger, c).Error().Err(err).Msg(fallback)
	return utils.SendError(c, fiber.StatusInternalServerError, fallback)
}
