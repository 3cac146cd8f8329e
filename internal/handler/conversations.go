// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/service"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

// ConversationHandler exposes the conversation resolver.
type ConversationHandler struct {
	resolver *service.ConversationService
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{resolver: svc, logger: log}
}

// repairResponse reports the outcome of an explicit repair. AddedParticipant
// is empty when the conversation already had both members.
type repairResponse struct {
	ConversationID   string `json:"conversation_id"`
	Repaired         bool   `json:"repaired"`
	AddedParticipant string `json:"participant_id,omitempty"`
}

// FindOrCreate handles POST /api/v1/conversations. The same pair and listing
// always resolve to the same conversation.
func (h *ConversationHandler) FindOrCreate(w http.ResponseWriter, r *http.Request) {
	var req model.FindOrCreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	conv, err := h.resolver.FindOrCreate(r.Context(), req.ListingID, req.CounterpartyID)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := h.resolver.List(r.Context(), queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	conv, err := h.resolver.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Repair handles POST /api/v1/conversations/{id}/repair
func (h *ConversationHandler) Repair(w http.ResponseWriter, r *http.Request) {
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	added, err := h.resolver.Repair(r.Context(), id)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, repairResponse{
		ConversationID:   id,
		Repaired:         added != "",
		AddedParticipant: added,
	})
}

func (h *ConversationHandler) conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := pathID("conversation", id); err != nil {
		writeAppError(w, r, h.logger, err)
		return "", false
	}
	return id, true
}
