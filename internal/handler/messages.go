package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/middleware"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/service"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
//
// ?before= pages back through history; ?after= returns what arrived since a
// known message and is what polling clients call when they cannot stream.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := pathID("conversation", conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	q := r.URL.Query()
	page := store.Page{
		Before: q.Get("before"),
		After:  q.Get("after"),
		Limit:  queryInt(r, "limit", 50),
	}
	if page.Before != "" && page.After != "" {
		writeAppError(w, r, h.logger, apperr.New(apperr.KindInvalidArgument, "before and after are mutually exclusive"))
		return
	}

	resp, err := h.messageService.List(r.Context(), conversationID, middleware.GetUserID(r.Context()), page)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := pathID("conversation", conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateMessageContent(req.Content, req.Attachment != nil); err != nil {
		writeAppError(w, r, h.logger, apperr.New(apperr.KindInvalidArgument, err.Error()))
		return
	}

	msg, err := h.messageService.Send(r.Context(), conversationID, middleware.GetUserID(r.Context()), &req)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Edit handles PATCH /api/v1/conversations/{id}/messages/{messageID}
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")
	if err := pathID("conversation", conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	var req model.EditMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	msg, err := h.messageService.Edit(r.Context(), conversationID, messageID, middleware.GetUserID(r.Context()), req.Content)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// Delete handles DELETE /api/v1/conversations/{id}/messages/{messageID}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")
	if err := pathID("conversation", conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	if err := h.messageService.Delete(r.Context(), conversationID, messageID, middleware.GetUserID(r.Context())); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := pathID("conversation", conversationID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	n, err := h.messageService.MarkAsRead(r.Context(), conversationID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.MarkReadResponse{Updated: n})
}
