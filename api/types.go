// Package api holds the JSON types exchanged with the coordinator's HTTP API
// and with participant endpoints.
package api

import "encoding/json"

// BeginInstanceRequest models the JSON payload for POST /v1/instances.
type BeginInstanceRequest struct {
	// InstanceID optionally pins the instance identifier. The server generates a UUIDv7 when empty.
	InstanceID string `json:"instance_id,omitempty"`
	// Participants lists the peer identifiers taking part in the instance.
	Participants []string `json:"participants"`
	// Payload is delivered to every participant with its vote request.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BeginInstanceResponse is returned once the vote requests are durably logged.
type BeginInstanceResponse struct {
	// InstanceID identifies the consensus instance.
	InstanceID string `json:"instance_id"`
	// Phase is the instance phase after begin (normally VOTING).
	Phase string `json:"phase"`
	// CorrelationID links related operations across request/response logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ParticipantStatus reports one participant of an instance.
type ParticipantStatus struct {
	// PeerID identifies the participant.
	PeerID string `json:"peer_id"`
	// Vote is UNKNOWN, YES, NO or UNREACHABLE.
	Vote string `json:"vote"`
}

// InstanceStatusResponse models GET /v1/instances/{id}.
type InstanceStatusResponse struct {
	// InstanceID identifies the consensus instance.
	InstanceID string `json:"instance_id"`
	// Phase is one of PROPOSED, VOTING, COMMITTING, ABORTING, COMMITTED, ABORTED.
	Phase string `json:"phase"`
	// CreatedAt is the instance creation time in epoch seconds.
	CreatedAt int64 `json:"created_at"`
	// UpdatedAt is the last phase change in epoch seconds.
	UpdatedAt int64 `json:"updated_at"`
	// History lists the phases the instance went through, oldest first.
	History []string `json:"history,omitempty"`
	// Participants lists the participants and their votes.
	Participants []ParticipantStatus `json:"participants,omitempty"`
	// Archived reports whether the status was served from the archive.
	Archived bool `json:"archived,omitempty"`
}

// InstanceListResponse models GET /v1/instances.
type InstanceListResponse struct {
	// Instances lists the live instances ordered by id.
	Instances []InstanceStatusResponse `json:"instances"`
}

// RecordVoteRequest models POST /v1/instances/{id}/votes.
type RecordVoteRequest struct {
	// PeerID identifies the voting participant.
	PeerID string `json:"peer_id"`
	// Vote is YES or NO.
	Vote string `json:"vote"`
}

// RecordVoteResponse acknowledges a vote.
type RecordVoteResponse struct {
	// InstanceID identifies the consensus instance.
	InstanceID string `json:"instance_id"`
	// Phase is the instance phase after the vote was applied.
	Phase string `json:"phase"`
	// Applied is false when the vote was ignored (duplicate or decided instance).
	Applied bool `json:"applied"`
}

// Action is one row of an instance's action log.
type Action struct {
	// Sequence orders actions within the instance, starting at 1.
	Sequence uint64 `json:"sequence"`
	// Kind is vote-request, commit or abort.
	Kind string `json:"kind"`
	// Participant is the peer the action is addressed to.
	Participant string `json:"participant,omitempty"`
	// Payload is the opaque action payload.
	Payload json.RawMessage `json:"payload,omitempty"`
	// PayloadEncoding is "base64" when Payload is not JSON and was sent as a
	// base64 string instead.
	PayloadEncoding string `json:"payload_encoding,omitempty"`
	// CreatedAt is the append time in epoch seconds.
	CreatedAt int64 `json:"created_at"`
	// ExecutedAt is the execution time in epoch seconds, null while pending.
	ExecutedAt *int64 `json:"executed_at"`
	// Status is PENDING or EXECUTED.
	Status string `json:"status"`
}

// ActionsResponse models GET /v1/instances/{id}/actions.
type ActionsResponse struct {
	// InstanceID identifies the consensus instance.
	InstanceID string `json:"instance_id"`
	// Actions lists the logged actions in sequence order.
	Actions []Action `json:"actions"`
}

// DeliveryRequest is POSTed to a participant at /v1/2pc/{kind}.
type DeliveryRequest struct {
	// InstanceID identifies the consensus instance.
	InstanceID string `json:"instance_id"`
	// Sequence is the action sequence being delivered.
	Sequence uint64 `json:"sequence"`
	// Kind is vote-request, commit or abort.
	Kind string `json:"kind"`
	// Participant is the addressed peer.
	Participant string `json:"participant"`
	// Payload is the opaque action payload.
	Payload json.RawMessage `json:"payload,omitempty"`
	// DeliveryID is unique per attempt.
	DeliveryID string `json:"delivery_id"`
}

// DeliveryResponse is a participant's answer to a delivery.
type DeliveryResponse struct {
	// Vote carries a synchronous YES/NO for vote requests. Empty means the
	// participant will vote later through the coordinator API.
	Vote string `json:"vote,omitempty"`
}

// HealthResponse models /healthz and /readyz.
type HealthResponse struct {
	// Status is ok or not_ready.
	Status string `json:"status"`
	// Detail explains a not-ready status.
	Detail string `json:"detail,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable tpcd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
