package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/middleware"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

const maxBodyBytes = 1 << 20

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: string(apperr.KindInvalidArgument)})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindUnrepairable:
		return http.StatusUnprocessableEntity
	case apperr.KindSignalingUnavailable, apperr.KindTransient:
		return http.StatusServiceUnavailable
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindConflict, apperr.KindEditWindowExpired:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeAppError maps a service error onto its HTTP status. Internal errors
// are logged and their text withheld from the client.
func writeAppError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Msg
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if kind == apperr.KindInternal {
			msg = "internal error"
		}
	}

	writeJSON(w, status, errorResponse{
		Error:   msg,
		Code:    string(kind),
		Details: apperr.DetailOf(err),
	})
}

// decodeJSON reads a request body into v and runs its validate tags.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, "invalid request body", err)
	}
	if err := middleware.ValidateStruct(v); err != nil {
		return apperr.New(apperr.KindInvalidArgument, err.Error())
	}
	return nil
}

// pathID validates a UUID path parameter.
func pathID(kind, value string) error {
	if err := middleware.ValidateID(kind, value); err != nil {
		return apperr.New(apperr.KindInvalidArgument, err.Error())
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
