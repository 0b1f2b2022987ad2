// Package registry tracks the participants of each consensus instance and the
// vote each of them cast.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Vote is a participant's answer to a vote request.
type Vote string

const (
	// VoteUnknown means no vote has been recorded yet.
	VoteUnknown Vote = "UNKNOWN"
	// VoteYes means the participant is prepared to commit.
	VoteYes Vote = "YES"
	// VoteNo means the participant refuses to commit.
	VoteNo Vote = "NO"
	// VoteUnreachable means the participant did not answer in time and counts as NO.
	VoteUnreachable Vote = "UNREACHABLE"
)

// ParseVote validates raw and returns the matching Vote.
func ParseVote(raw string) (Vote, error) {
	switch Vote(strings.ToUpper(strings.TrimSpace(raw))) {
	case VoteUnknown:
		return VoteUnknown, nil
	case VoteYes:
		return VoteYes, nil
	case VoteNo:
		return VoteNo, nil
	case VoteUnreachable:
		return VoteUnreachable, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVote, raw)
	}
}

// Negative reports whether v forces an abort.
func (v Vote) Negative() bool {
	return v == VoteNo || v == VoteUnreachable
}

var (
	// ErrUnknownParticipant indicates the peer is not registered for the instance.
	ErrUnknownParticipant = errors.New("registry: unknown participant")
	// ErrVoteConflict indicates a participant tried to change a recorded vote.
	ErrVoteConflict = errors.New("registry: vote already recorded")
	// ErrInvalidVote indicates an attempt to record UNKNOWN.
	ErrInvalidVote = errors.New("registry: invalid vote")
)

// Participant is a registered peer and its vote.
type Participant struct {
	PeerID string `json:"peer_id"`
	Vote   Vote   `json:"vote"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]map[string]Vote
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{instances: make(map[string]map[string]Vote)}
}

// Register adds peerID to instanceID. Registering twice keeps the recorded vote.
func (r *Registry) Register(instanceID, peerID string) error {
	if instanceID == "" || peerID == "" {
		return fmt.Errorf("registry: instance id and peer id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.instances[instanceID]
	if peers == nil {
		peers = make(map[string]Vote)
		r.instances[instanceID] = peers
	}
	if _, ok := peers[peerID]; !ok {
		peers[peerID] = VoteUnknown
	}
	return nil
}

// RecordVote stores vote for peerID. The first definite vote wins: repeating
// it is a no-op and returns changed=false, a different vote returns
// ErrVoteConflict.
func (r *Registry) RecordVote(instanceID, peerID string, vote Vote) (changed bool, err error) {
	if vote != VoteYes && vote != VoteNo && vote != VoteUnreachable {
		return false, fmt.Errorf("%w: %q", ErrInvalidVote, vote)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.instances[instanceID]
	current, ok := peers[peerID]
	if !ok {
		return false, fmt.Errorf("%w: %s in instance %s", ErrUnknownParticipant, peerID, instanceID)
	}
	switch current {
	case VoteUnknown:
		peers[peerID] = vote
		return true, nil
	case vote:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s voted %s", ErrVoteConflict, peerID, current)
	}
}

// Vote returns the recorded vote of peerID.
func (r *Registry) Vote(instanceID, peerID string) (Vote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vote, ok := r.instances[instanceID][peerID]
	if !ok {
		return "", fmt.Errorf("%w: %s in instance %s", ErrUnknownParticipant, peerID, instanceID)
	}
	return vote, nil
}

// AllVoted reports whether every participant has a definite vote. An
// instance without participants has not voted.
func (r *Registry) AllVoted(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := r.instances[instanceID]
	if len(peers) == 0 {
		return false
	}
	for _, vote := range peers {
		if vote == VoteUnknown {
			return false
		}
	}
	return true
}

// AllVotedYes reports whether every participant voted YES.
func (r *Registry) AllVotedYes(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := r.instances[instanceID]
	if len(peers) == 0 {
		return false
	}
	for _, vote := range peers {
		if vote != VoteYes {
			return false
		}
	}
	return true
}

// AnyVotedNo reports whether any participant voted NO or was unreachable.
func (r *Registry) AnyVotedNo(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, vote := range r.instances[instanceID] {
		if vote.Negative() {
			return true
		}
	}
	return false
}

// Participants returns the participants of instanceID sorted by peer id.
func (r *Registry) Participants(instanceID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := r.instances[instanceID]
	out := make([]Participant, 0, len(peers))
	for peer, vote := range peers {
		out = append(out, Participant{PeerID: peer, Vote: vote})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Has reports whether instanceID has registered participants.
func (r *Registry) Has(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances[instanceID]) > 0
}

// Remove drops every entry of instanceID.
func (r *Registry) Remove(instanceID string) {
	r.mu.Lock()
	delete(r.instances, instanceID)
	r.mu.Unlock()
}

// Len returns the number of tracked instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
