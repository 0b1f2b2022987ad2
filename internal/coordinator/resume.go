package coordinator

import (
	"context"
	"fmt"

	"pkt.systems/tpcd/internal/actionlog"
)

// Recovered describes an instance rebuilt from the action log.
type Recovered struct {
	InstanceID string
	Phase      Phase
	// Actions holds every row of the instance in sequence order.
	Actions []actionlog.Action
}

// Resume re-creates an in-flight instance and re-schedules delivery of its
// pending actions. Executed rows are never appended again. Votes are not
// logged, so an instance resumed in VOTING waits for fresh votes until a new
// vote timeout measured from the resume.
func (c *Coordinator) Resume(ctx context.Context, r Recovered) error {
	if err := ValidateInstanceID(r.InstanceID); err != nil {
		return err
	}
	switch r.Phase {
	case PhaseVoting, PhaseCommitting, PhaseAborting, PhaseCommitted, PhaseAborted:
	default:
		return fmt.Errorf("coordinator: cannot resume %s in phase %q", r.InstanceID, r.Phase)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("coordinator: cannot resume %s without actions", r.InstanceID)
	}

	var (
		participants []string
		seen         = make(map[string]struct{})
		createdAt    = r.Actions[0].CreatedAtUnix
		updatedAt    int64
	)
	for _, a := range r.Actions {
		if a.InstanceID != r.InstanceID {
			return fmt.Errorf("coordinator: action %s/%d does not belong to %s", a.InstanceID, a.Sequence, r.InstanceID)
		}
		if a.Participant != "" {
			if _, ok := seen[a.Participant]; !ok {
				seen[a.Participant] = struct{}{}
				participants = append(participants, a.Participant)
			}
		}
		if a.CreatedAtUnix < createdAt {
			createdAt = a.CreatedAtUnix
		}
		updatedAt = max(updatedAt, a.CreatedAtUnix, a.ExecutedAtUnix)
	}
	if len(participants) == 0 {
		return fmt.Errorf("coordinator: %s has no addressed actions", r.InstanceID)
	}

	inst := newInstance(r.InstanceID, participants, createdAt)
	inst.phase = r.Phase
	inst.history = []Phase{r.Phase}
	inst.updatedAt = updatedAt
	switch r.Phase {
	case PhaseCommitting, PhaseCommitted:
		inst.decision = actionlog.KindCommit
	case PhaseAborting, PhaseAborted:
		inst.decision = actionlog.KindAbort
	}
	for _, a := range r.Actions {
		switch a.Kind {
		case actionlog.KindVoteRequest:
			if inst.payload == nil && a.Payload != nil {
				inst.payload = append([]byte(nil), a.Payload...)
			}
		case actionlog.KindCommit, actionlog.KindAbort:
			inst.decided[a.Participant] = true
		}
		if a.Pending() {
			inst.pending[a.Sequence] = a.Clone()
		}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	c.mu.Lock()
	if _, exists := c.instances[r.InstanceID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceExists, r.InstanceID)
	}
	c.instances[r.InstanceID] = inst
	c.mu.Unlock()

	for _, peer := range participants {
		if err := c.registry.Register(r.InstanceID, peer); err != nil {
			return err
		}
	}
	c.metrics.recordActive(ctx, 1)
	c.metrics.recordResume(ctx, r.Phase)

	resumed := 0
	for _, seq := range inst.pendingSequences() {
		a := inst.pending[seq]
		if a.Kind == actionlog.KindVoteRequest && inst.decision != "" {
			continue
		}
		c.scheduleDelivery(a, 0, 0)
		resumed++
	}
	c.logger.Info("twopc.instance.resumed",
		"instance_id", r.InstanceID,
		"phase", r.Phase,
		"actions", len(r.Actions),
		"pending", len(inst.pending),
		"redelivering", resumed,
	)
	if inst.decision == "" {
		c.sched.after(c.voteTimeout, &task{kind: taskVoteTimeout, instanceID: r.InstanceID})
		return nil
	}
	if inst.phase.Terminal() {
		c.finalizeLocked(ctx, inst, 0)
		return nil
	}
	c.settleLocked(ctx, inst, 0)
	return nil
}
