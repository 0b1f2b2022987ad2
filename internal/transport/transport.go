// Package transport delivers logged actions to participants.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/registry"
)

// Message is one delivery of a logged action.
type Message struct {
	InstanceID  string
	Sequence    uint64
	Kind        actionlog.Kind
	Participant string
	Payload     []byte
}

// MessageFromAction builds the delivery for a logged action.
func MessageFromAction(a actionlog.Action) Message {
	return Message{
		InstanceID:  a.InstanceID,
		Sequence:    a.Sequence,
		Kind:        a.Kind,
		Participant: a.Participant,
		Payload:     a.Payload,
	}
}

// Reply is a participant's acknowledgement. Vote is VoteUnknown unless the
// participant answered a vote request synchronously.
type Reply struct {
	Vote registry.Vote
}

// Deliverer sends a message to its participant. A nil error means the
// participant acknowledged the message.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) (Reply, error)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, msg Message) (Reply, error)

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, msg Message) (Reply, error) {
	return f(ctx, msg)
}

// ErrUnknownPeer indicates no endpoint is registered for a participant.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// EndpointProvider resolves the base URL of a participant.
type EndpointProvider interface {
	Endpoint(ctx context.Context, peerID string) (string, error)
}

// StaticEndpoints maps peer ids to base URLs.
type StaticEndpoints map[string]string

// Endpoint implements EndpointProvider.
func (s StaticEndpoints) Endpoint(_ context.Context, peerID string) (string, error) {
	endpoint, ok := s[peerID]
	if !ok || strings.TrimSpace(endpoint) == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return endpoint, nil
}

// Peers returns the configured peer ids in sorted order.
func (s StaticEndpoints) Peers() []string {
	out := make([]string, 0, len(s))
	for peer := range s {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

// ParseEndpoints parses peer=url pairs.
func ParseEndpoints(pairs []string) (StaticEndpoints, error) {
	out := make(StaticEndpoints, len(pairs))
	for _, raw := range pairs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		peer, endpoint, ok := strings.Cut(raw, "=")
		peer = strings.TrimSpace(peer)
		endpoint = strings.TrimSpace(endpoint)
		if !ok || peer == "" || endpoint == "" {
			return nil, fmt.Errorf("transport: participant %q must be peer=url", raw)
		}
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return nil, fmt.Errorf("transport: participant %s endpoint %q must be an http(s) URL", peer, endpoint)
		}
		if _, dup := out[peer]; dup {
			return nil, fmt.Errorf("transport: participant %s listed twice", peer)
		}
		out[peer] = strings.TrimSuffix(endpoint, "/")
	}
	return out, nil
}

// DeliveryError reports a failed delivery attempt.
type DeliveryError struct {
	Participant string
	Endpoint    string
	Status      int
	Code        string
	Err         error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "transport: delivery failed"
	}
	var b strings.Builder
	b.WriteString("transport: delivery to ")
	b.WriteString(e.Participant)
	if e.Endpoint != "" {
		b.WriteString(" (")
		b.WriteString(e.Endpoint)
		b.WriteString(")")
	}
	b.WriteString(" failed")
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
