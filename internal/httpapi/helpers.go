package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/coordinator"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

func statusResponse(st coordinator.Status) api.InstanceStatusResponse {
	resp := api.InstanceStatusResponse{
		InstanceID: st.InstanceID,
		Phase:      string(st.Phase),
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
		Archived:   st.Archived,
	}
	for _, p := range st.History {
		resp.History = append(resp.History, string(p))
	}
	for _, p := range st.Participants {
		resp.Participants = append(resp.Participants, api.ParticipantStatus{PeerID: p.PeerID, Vote: string(p.Vote)})
	}
	return resp
}

// actionResponse renders a logged action. Payloads that are not JSON are
// sent as a base64 string.
func actionResponse(a actionlog.Action) api.Action {
	out := api.Action{
		Sequence:    a.Sequence,
		Kind:        string(a.Kind),
		Participant: a.Participant,
		CreatedAt:   a.CreatedAtUnix,
		Status:      string(a.Status),
	}
	if !a.Pending() {
		executed := a.ExecutedAtUnix
		out.ExecutedAt = &executed
	}
	if len(a.Payload) > 0 {
		if json.Valid(a.Payload) {
			out.Payload = json.RawMessage(a.Payload)
		} else {
			encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(a.Payload))
			out.Payload = encoded
			out.PayloadEncoding = "base64"
		}
	}
	return out
}
