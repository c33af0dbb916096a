package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/accreditation-portal/messaging/internal/middleware"
	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/internal/service"
	"github.com/accreditation-portal/messaging/pkg/logger"
)

// MessageService is the service behind the message endpoints.
type MessageService interface {
	Send(ctx context.Context, caller service.Caller, req *model.SendMessageRequest) (*model.PersistedMessage, error)
	History(ctx context.Context, caller service.Caller, conversationID string, limit int) ([]model.PersistedMessage, error)
}

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc MessageService, log *logger.Logger) *MessageHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log.Component("handler"),
	}
}

func callerFrom(r *http.Request) service.Caller {
	id := middleware.GetIdentity(r.Context())
	return service.Caller{UserID: id.UserID, Name: id.Name, Role: id.Role}
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	messages, err := h.messageService.History(ctx, callerFrom(r), conversationID, limit)
	if err != nil {
		h.writeServiceError(r, w, err, "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: messages})
}

// Send handles POST /api/v1/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Type == "" {
		req.Type = model.RecipientUser
	}
	if err := middleware.ValidateRecipientType(req.Type); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateUserID(req.RecipientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.messageService.Send(ctx, callerFrom(r), &req)
	if err != nil {
		h.writeServiceError(r, w, err, "failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{Message: msg})
}

func (h *MessageHandler) writeServiceError(r *http.Request, w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, model.ErrInvalidIntent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		h.logger.Error(fallback,
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
