package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/archive"
	"pkt.systems/tpcd/internal/registry"
)

// instance is owned by whoever holds mu. Phase changes, appends and
// pending-set updates all happen under it.
type instance struct {
	mu sync.Mutex

	id           string
	phase        Phase
	history      []Phase
	createdAt    int64
	updatedAt    int64
	participants []string
	payload      []byte

	// decision is KindCommit or KindAbort once VOTING is over.
	decision actionlog.Kind
	pending  map[uint64]actionlog.Action
	inflight map[uint64]bool
	// decided holds participants that already have a decision row.
	decided map[string]bool
	done    bool
}

func newInstance(id string, participants []string, now int64) *instance {
	return &instance{
		id:           id,
		phase:        PhaseProposed,
		history:      []Phase{PhaseProposed},
		createdAt:    now,
		updatedAt:    now,
		participants: participants,
		pending:      make(map[uint64]actionlog.Action),
		inflight:     make(map[uint64]bool),
		decided:      make(map[string]bool),
	}
}

func (inst *instance) pendingSequences() []uint64 {
	out := make([]uint64, 0, len(inst.pending))
	for seq := range inst.pending {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Coordinator) statusLocked(inst *instance) Status {
	return Status{
		InstanceID:   inst.id,
		Phase:        inst.phase,
		History:      append([]Phase(nil), inst.history...),
		CreatedAt:    inst.createdAt,
		UpdatedAt:    inst.updatedAt,
		Participants: c.registry.Participants(inst.id),
	}
}

func (c *Coordinator) setPhaseLocked(ctx context.Context, inst *instance, phase Phase) {
	if inst.phase == phase {
		return
	}
	from := inst.phase
	inst.phase = phase
	inst.history = append(inst.history, phase)
	inst.updatedAt = c.clock.Now().Unix()
	c.metrics.recordTransition(ctx, phase)
	c.logger.Debug("twopc.instance.phase", "instance_id", inst.id, "from", from, "to", phase)
}

// appendLocked is the only path that writes new actions for an instance.
func (c *Coordinator) appendLocked(ctx context.Context, inst *instance, kind actionlog.Kind, participant string, payload []byte) (actionlog.Action, error) {
	if inst.phase.Terminal() || inst.done {
		return actionlog.Action{}, ErrInstanceTerminal
	}
	entry := actionlog.Entry{
		Kind:          kind,
		Participant:   participant,
		Payload:       payload,
		CreatedAtUnix: c.clock.Now().Unix(),
	}
	seq, err := c.store.Append(ctx, inst.id, entry)
	if err != nil {
		return actionlog.Action{}, err
	}
	a := actionlog.Action{
		InstanceID:    inst.id,
		Sequence:      seq,
		Kind:          kind,
		Participant:   participant,
		Payload:       payload,
		CreatedAtUnix: entry.CreatedAtUnix,
		Status:        actionlog.StatusPending,
	}
	inst.pending[seq] = a
	return a, nil
}

// markLocked flips a pending row to executed. A repeated call is benign.
func (c *Coordinator) markLocked(ctx context.Context, inst *instance, seq uint64) error {
	err := c.store.MarkExecuted(ctx, inst.id, seq, c.clock.Now().Unix())
	if err != nil && !errors.Is(err, actionlog.ErrAlreadyExecuted) {
		return err
	}
	delete(inst.pending, seq)
	return nil
}

func (c *Coordinator) scheduleDelivery(a actionlog.Action, attempt int, delay time.Duration) {
	c.sched.after(delay, &task{
		kind:       taskDeliver,
		instanceID: a.InstanceID,
		sequence:   a.Sequence,
		attempt:    attempt,
	})
}

// applyVoteLocked records a vote and decides the instance when the vote
// settles it. A negative vote wins over any YES still outstanding.
func (c *Coordinator) applyVoteLocked(ctx context.Context, inst *instance, peerID string, vote registry.Vote, source string) (bool, error) {
	if _, err := c.registry.Vote(inst.id, peerID); err != nil {
		return false, err
	}
	if inst.phase != PhaseVoting {
		c.logger.Debug("twopc.vote.ignored", "instance_id", inst.id, "participant", peerID, "vote", vote, "phase", inst.phase, "source", source)
		return false, nil
	}
	changed, err := c.registry.RecordVote(inst.id, peerID, vote)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	c.metrics.recordVote(ctx, vote)
	c.logger.Debug("twopc.vote.recorded", "instance_id", inst.id, "participant", peerID, "vote", vote, "source", source)
	switch {
	case vote.Negative():
		c.decideLocked(ctx, inst, actionlog.KindAbort, "vote_"+string(vote))
	case c.registry.AllVotedYes(inst.id):
		c.decideLocked(ctx, inst, actionlog.KindCommit, "all_yes")
	}
	return true, nil
}

func (c *Coordinator) abortLocked(ctx context.Context, inst *instance, reason string) {
	c.decideLocked(ctx, inst, actionlog.KindAbort, reason)
}

func (c *Coordinator) decideLocked(ctx context.Context, inst *instance, decision actionlog.Kind, reason string) {
	if inst.decision != "" {
		return
	}
	inst.decision = decision
	if decision == actionlog.KindCommit {
		c.setPhaseLocked(ctx, inst, PhaseCommitting)
	} else {
		c.setPhaseLocked(ctx, inst, PhaseAborting)
	}
	c.logger.Info("twopc.instance.decided", "instance_id", inst.id, "decision", decision, "reason", reason)
	c.settleLocked(ctx, inst, 0)
}

// settleLocked runs reconcile and completion, rescheduling itself when the
// store rejects a write.
func (c *Coordinator) settleLocked(ctx context.Context, inst *instance, attempt int) {
	if err := c.reconcileLocked(ctx, inst); err != nil {
		next := attempt + 1
		c.logger.Warn("twopc.reconcile.failed", "instance_id", inst.id, "attempt", next, "error", err)
		c.sched.after(c.backoff(next), &task{kind: taskReconcile, instanceID: inst.id, attempt: next})
		return
	}
	c.checkCompleteLocked(ctx, inst)
}

// reconcileLocked brings the log in line with the decision: every
// participant gets a decision row, then vote requests still pending are
// closed. The decision rows go first so the log never holds only executed
// vote requests for a decided instance. Safe to run repeatedly.
func (c *Coordinator) reconcileLocked(ctx context.Context, inst *instance) error {
	if inst.decision == "" || inst.done {
		return nil
	}
	for _, peer := range inst.participants {
		if !c.needsDecisionRow(inst, peer) {
			continue
		}
		a, err := c.appendLocked(ctx, inst, inst.decision, peer, nil)
		if err != nil {
			return err
		}
		inst.decided[peer] = true
		c.scheduleDelivery(a, 0, 0)
	}
	for _, seq := range inst.pendingSequences() {
		a := inst.pending[seq]
		if a.Kind != actionlog.KindVoteRequest || inst.inflight[seq] {
			continue
		}
		if err := c.markLocked(ctx, inst, seq); err != nil {
			return err
		}
		c.logger.Trace("twopc.vote_request.superseded", "instance_id", inst.id, "sequence", seq, "participant", a.Participant)
	}
	return nil
}

// needsDecisionRow reports whether peer still lacks its commit or abort row.
// Aborts go to every participant: a failed delivery or a lost reply does
// not prove the participant never prepared.
func (c *Coordinator) needsDecisionRow(inst *instance, peer string) bool {
	return inst.decision != "" && !inst.decided[peer]
}

func (c *Coordinator) checkCompleteLocked(ctx context.Context, inst *instance) {
	if inst.decision == "" || inst.done || len(inst.pending) > 0 {
		return
	}
	for _, peer := range inst.participants {
		if c.needsDecisionRow(inst, peer) {
			return
		}
	}
	if inst.decision == actionlog.KindCommit {
		c.setPhaseLocked(ctx, inst, PhaseCommitted)
	} else {
		c.setPhaseLocked(ctx, inst, PhaseAborted)
	}
	c.finalizeLocked(ctx, inst, 0)
}

// finalizeLocked archives a terminal instance, purges its rows and moves
// it to the terminal cache.
func (c *Coordinator) finalizeLocked(ctx context.Context, inst *instance, attempt int) {
	if inst.done || !inst.phase.Terminal() {
		return
	}
	retry := func(stage string, err error) {
		next := attempt + 1
		c.logger.Warn("twopc.instance.archive_failed", "instance_id", inst.id, "stage", stage, "attempt", next, "error", err)
		c.sched.after(c.backoff(next), &task{kind: taskFinalize, instanceID: inst.id, attempt: next})
	}
	rows, err := c.store.List(ctx, inst.id)
	if err != nil {
		retry("list", err)
		return
	}
	status := c.statusLocked(inst)
	snap := archive.Snapshot{
		InstanceID:   inst.id,
		Phase:        string(inst.phase),
		CreatedAt:    inst.createdAt,
		UpdatedAt:    inst.updatedAt,
		ArchivedAt:   c.clock.Now().Unix(),
		Participants: status.Participants,
		Actions:      rows,
	}
	if err := c.archive.Put(ctx, snap); err != nil {
		retry("archive", err)
		return
	}
	if err := c.store.Purge(ctx, inst.id); err != nil {
		retry("purge", err)
		return
	}
	c.registry.Remove(inst.id)
	inst.done = true

	expires := c.clock.Now().Add(c.terminalRetention)
	c.mu.Lock()
	delete(c.instances, inst.id)
	c.terminal[inst.id] = terminalEntry{status: status, snapshot: snap, expires: expires}
	c.mu.Unlock()
	c.sched.after(c.terminalRetention, &task{kind: taskExpire, instanceID: inst.id})

	c.metrics.recordActive(ctx, -1)
	c.logger.Info("twopc.instance.archived",
		"instance_id", inst.id,
		"phase", inst.phase,
		"actions", len(rows),
		"elapsed_s", inst.updatedAt-inst.createdAt,
	)
}
