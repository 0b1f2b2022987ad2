package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/coordinator"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/registry"
)

// handleBegin godoc
// @Summary      Begin a consensus instance
// @Description  Logs a vote request per participant and starts delivering them. The instance id is generated (UUIDv7) when omitted. Duplicate participants are rejected.
// @Tags         instances
// @Accept       json
// @Produce      json
// @Param        X-Correlation-Id  header  string                    false  "Correlation id propagated to participant deliveries"
// @Param        request           body    api.BeginInstanceRequest  true   "Instance id, participants and opaque payload"
// @Success      201  {object}  api.BeginInstanceResponse
// @Failure      400  {object}  api.ErrorResponse
// @Failure      409  {object}  api.ErrorResponse
// @Failure      413  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /v1/instances [post]
func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) error {
	var req api.BeginInstanceRequest
	if err := decodeJSONBody(http.MaxBytesReader(w, r.Body, h.maxBegin), &req, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		return decodeError(err)
	}
	var payload []byte
	if trimmed := bytes.TrimSpace(req.Payload); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		payload = append([]byte(nil), trimmed...)
	}
	st, err := h.coord.BeginInstance(r.Context(), req.InstanceID, req.Participants, payload)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusCreated, api.BeginInstanceResponse{
		InstanceID:    st.InstanceID,
		Phase:         string(st.Phase),
		CorrelationID: correlation.ID(r.Context()),
	}, map[string]string{"Location": "/v1/instances/" + st.InstanceID})
	return nil
}

// handleList godoc
// @Summary      List live instances
// @Tags         instances
// @Produce      json
// @Success      200  {object}  api.InstanceListResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /v1/instances [get]
func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) error {
	if !h.coord.Ready() {
		return coordinator.ErrNotReady
	}
	statuses := h.coord.List()
	resp := api.InstanceListResponse{Instances: make([]api.InstanceStatusResponse, 0, len(statuses))}
	for _, st := range statuses {
		resp.Instances = append(resp.Instances, statusResponse(st))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// handleStatus godoc
// @Summary      Get instance status
// @Description  Returns the phase, history and votes of an instance. Archived instances are served from the archive sink.
// @Tags         instances
// @Produce      json
// @Param        id   path      string  true  "Instance id"
// @Success      200  {object}  api.InstanceStatusResponse
// @Failure      404  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /v1/instances/{id} [get]
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	st, err := h.coord.GetStatus(r.Context(), id)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, statusResponse(st), nil)
	return nil
}

// handleVote godoc
// @Summary      Record an asynchronous vote
// @Description  The first YES or NO per participant wins. Repeating the same vote is acknowledged with applied=false; changing it is a conflict.
// @Tags         instances
// @Accept       json
// @Produce      json
// @Param        id       path      string                 true  "Instance id"
// @Param        request  body      api.RecordVoteRequest  true  "Participant and vote"
// @Success      200      {object}  api.RecordVoteResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      404      {object}  api.ErrorResponse
// @Failure      409      {object}  api.ErrorResponse
// @Router       /v1/instances/{id}/votes [post]
func (h *Handler) handleVote(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	var req api.RecordVoteRequest
	if err := decodeJSONBody(http.MaxBytesReader(w, r.Body, voteBodyLimit), &req, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		return decodeError(err)
	}
	peer := strings.TrimSpace(req.PeerID)
	if peer == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_peer_id", Detail: "peer_id is required"}
	}
	vote, err := registry.ParseVote(req.Vote)
	if err != nil {
		return err
	}
	res, err := h.coord.RecordVote(r.Context(), id, peer, vote)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.RecordVoteResponse{
		InstanceID: id,
		Phase:      string(res.Phase),
		Applied:    res.Applied,
	}, nil)
	return nil
}

// handleActions godoc
// @Summary      List the action log of an instance
// @Tags         instances
// @Produce      json
// @Param        id   path      string  true  "Instance id"
// @Success      200  {object}  api.ActionsResponse
// @Failure      404  {object}  api.ErrorResponse
// @Router       /v1/instances/{id}/actions [get]
func (h *Handler) handleActions(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	actions, err := h.coord.Actions(r.Context(), id)
	if err != nil {
		return err
	}
	resp := api.ActionsResponse{InstanceID: id, Actions: make([]api.Action, 0, len(actions))}
	for _, a := range actions {
		resp.Actions = append(resp.Actions, actionResponse(a))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// handleHealth godoc
// @Summary      Liveness check
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Reports not_ready until recovery has replayed the action log.
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Failure      503  {object}  api.HealthResponse
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if !h.coord.Ready() {
		h.writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "not_ready", Detail: "recovery in progress"}, nil)
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

func decodeError(err error) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: err.Error()}
	case errors.Is(err, io.EOF):
		return httpError{Status: http.StatusBadRequest, Code: "missing_body", Detail: "request body is empty"}
	default:
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
}
