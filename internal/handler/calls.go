package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/service"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

// CallHandler handles call lifecycle and signaling endpoints.
type CallHandler struct {
	calls  *service.CallService
	logger *logger.Logger
}

// NewCallHandler creates a new call handler.
func NewCallHandler(calls *service.CallService, log *logger.Logger) *CallHandler {
	return &CallHandler{calls: calls, logger: log}
}

// Start handles POST /api/v1/calls
func (h *CallHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req model.StartCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	call, err := h.calls.Start(r.Context(), &req)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, call)
}

// Get handles GET /api/v1/calls/{id}
func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.calls.Get)
}

// Accept handles POST /api/v1/calls/{id}/accept
func (h *CallHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.calls.Accept)
}

// Reject handles POST /api/v1/calls/{id}/reject
func (h *CallHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.calls.Reject)
}

// End handles POST /api/v1/calls/{id}/end
func (h *CallHandler) End(w http.ResponseWriter, r *http.Request) {
	var req model.EndCallRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, h.logger, err)
			return
		}
	}
	h.respond(w, r, func(ctx context.Context, callID string) (*model.Call, error) {
		return h.calls.End(ctx, callID, req.Reason)
	})
}

// Signal handles POST /api/v1/calls/{id}/signals
func (h *CallHandler) Signal(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if err := pathID("call", callID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	var req model.SendSignalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	if err := h.calls.SendSignal(r.Context(), callID, req.Kind, req.Payload); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *CallHandler) respond(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*model.Call, error)) {
	callID := chi.URLParam(r, "id")
	if err := pathID("call", callID); err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	call, err := op(r.Context(), callID)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, call)
}
