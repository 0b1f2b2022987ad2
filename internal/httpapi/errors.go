package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/registry"
)

// convertError maps domain errors onto HTTP errors. Errors it does not know
// are returned unchanged and end up as internal_error.
func convertError(err error) error {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	detail := err.Error()
	switch {
	case errors.Is(err, coordinator.ErrNotReady):
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "recovery in progress", RetryAfter: 1}
	case errors.Is(err, coordinator.ErrInstanceNotFound):
		return httpError{Status: http.StatusNotFound, Code: "instance_not_found", Detail: detail}
	case errors.Is(err, coordinator.ErrInstanceExists):
		return httpError{Status: http.StatusConflict, Code: "instance_exists", Detail: detail}
	case errors.Is(err, coordinator.ErrQuarantined):
		return httpError{Status: http.StatusConflict, Code: "instance_quarantined", Detail: detail}
	case errors.Is(err, coordinator.ErrInstanceTerminal):
		return httpError{Status: http.StatusConflict, Code: "instance_terminal", Detail: detail}
	case errors.Is(err, coordinator.ErrNoParticipants):
		return httpError{Status: http.StatusBadRequest, Code: "participants_required", Detail: detail}
	case errors.Is(err, coordinator.ErrInvalidInstanceID):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_instance_id", Detail: detail}
	case errors.Is(err, coordinator.ErrInvalidParticipant):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_participant", Detail: detail}
	case errors.Is(err, registry.ErrUnknownParticipant):
		return httpError{Status: http.StatusNotFound, Code: "unknown_participant", Detail: detail}
	case errors.Is(err, registry.ErrInvalidVote):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_vote", Detail: detail}
	case errors.Is(err, registry.ErrVoteConflict):
		return httpError{Status: http.StatusConflict, Code: "vote_conflict", Detail: detail}
	case actionlog.IsStorageFault(err):
		return httpError{Status: http.StatusServiceUnavailable, Code: "storage_unavailable", Detail: detail, RetryAfter: 1}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusServiceUnavailable, Code: "canceled", Detail: detail}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(convertError(err), &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail}, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    err.Error(),
	}, nil)
}
