package coordinator

import (
	"context"
	"time"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/registry"
	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/internal/transport"
)

func (c *Coordinator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-c.sched.work:
			c.runTask(ctx, t)
		}
	}
}

func (c *Coordinator) runTask(ctx context.Context, t *task) {
	if t.kind == taskExpire {
		c.expire(t.instanceID)
		return
	}
	inst := c.live(t.instanceID)
	if inst == nil {
		return
	}
	switch t.kind {
	case taskDeliver:
		c.deliver(ctx, inst, t)
	case taskVoteTimeout:
		inst.mu.Lock()
		c.voteTimeoutLocked(ctx, inst)
		inst.mu.Unlock()
	case taskReconcile:
		inst.mu.Lock()
		if !inst.done {
			c.settleLocked(ctx, inst, t.attempt)
		}
		inst.mu.Unlock()
	case taskFinalize:
		inst.mu.Lock()
		c.finalizeLocked(ctx, inst, t.attempt)
		inst.mu.Unlock()
	}
}

// backoff returns the delay before the given retry attempt (1-based). It
// grows by the multiplier and stays at the maximum once it gets there.
func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay)*c.multiplier + 0.5)
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func (c *Coordinator) deliver(ctx context.Context, inst *instance, t *task) {
	inst.mu.Lock()
	a, ok := inst.pending[t.sequence]
	if !ok || inst.done || inst.inflight[t.sequence] {
		inst.mu.Unlock()
		return
	}
	if a.Kind == actionlog.KindVoteRequest && inst.decision != "" {
		inst.mu.Unlock()
		return
	}
	inst.inflight[t.sequence] = true
	inst.mu.Unlock()

	dctx := correlation.ForInstance(ctx, inst.id)
	start := time.Now()
	reply, err := c.deliverer.Deliver(dctx, transport.MessageFromAction(a))
	c.metrics.recordDelivery(ctx, a.Kind, err, time.Since(start))

	inst.mu.Lock()
	defer inst.mu.Unlock()
	delete(inst.inflight, t.sequence)
	if _, still := inst.pending[t.sequence]; !still || inst.done {
		return
	}
	logger := svcfields.WithAction(c.logger, inst.id, a.Sequence, a.Participant).With("kind", a.Kind)
	if a.Kind == actionlog.KindVoteRequest {
		c.voteRequestReturnedLocked(ctx, inst, a, t.attempt, reply, err)
		return
	}
	if err != nil {
		next := t.attempt + 1
		if next == c.maxAttempts {
			logger.Warn("twopc.delivery.exhausted", "attempt", next, "error", err)
		} else {
			logger.Debug("twopc.delivery.retry", "attempt", next, "error", err)
		}
		c.scheduleDelivery(a, next, c.backoff(next))
		return
	}
	if err := c.markLocked(ctx, inst, a.Sequence); err != nil {
		next := t.attempt + 1
		logger.Warn("twopc.delivery.mark_failed", "attempt", next, "error", err)
		c.scheduleDelivery(a, next, c.backoff(next))
		return
	}
	logger.Trace("twopc.delivery.executed", "attempt", t.attempt+1)
	c.checkCompleteLocked(ctx, inst)
}

func (c *Coordinator) voteRequestReturnedLocked(ctx context.Context, inst *instance, a actionlog.Action, attempt int, reply transport.Reply, derr error) {
	logger := svcfields.WithAction(c.logger, inst.id, a.Sequence, a.Participant)
	if inst.decision != "" {
		// The instance was decided while this request was on the wire.
		if err := c.markLocked(ctx, inst, a.Sequence); err != nil {
			logger.Warn("twopc.delivery.mark_failed", "error", err)
		}
		c.settleLocked(ctx, inst, 0)
		return
	}
	if derr != nil {
		next := attempt + 1
		if next >= c.maxAttempts {
			logger.Warn("twopc.delivery.exhausted", "attempt", next, "error", derr)
			if _, err := c.applyVoteLocked(ctx, inst, a.Participant, registry.VoteUnreachable, "delivery_exhausted"); err != nil {
				logger.Warn("twopc.vote.rejected", "vote", registry.VoteUnreachable, "error", err)
			}
			return
		}
		logger.Debug("twopc.delivery.retry", "attempt", next, "error", derr)
		c.scheduleDelivery(a, next, c.backoff(next))
		return
	}
	if err := c.markLocked(ctx, inst, a.Sequence); err != nil {
		next := attempt + 1
		logger.Warn("twopc.delivery.mark_failed", "attempt", next, "error", err)
		c.scheduleDelivery(a, next, c.backoff(next))
		return
	}
	if reply.Vote == registry.VoteYes || reply.Vote == registry.VoteNo {
		if _, err := c.applyVoteLocked(ctx, inst, a.Participant, reply.Vote, "reply"); err != nil {
			logger.Warn("twopc.vote.rejected", "vote", reply.Vote, "error", err)
		}
	}
	c.checkCompleteLocked(ctx, inst)
}

// voteTimeoutLocked turns every missing vote into UNREACHABLE.
func (c *Coordinator) voteTimeoutLocked(ctx context.Context, inst *instance) {
	if inst.done || inst.phase != PhaseVoting {
		return
	}
	var missing []string
	for _, p := range c.registry.Participants(inst.id) {
		if p.Vote == registry.VoteUnknown {
			missing = append(missing, p.PeerID)
		}
	}
	if len(missing) == 0 {
		return
	}
	c.logger.Info("twopc.vote.timeout", "instance_id", inst.id, "missing", missing)
	for _, peer := range missing {
		if _, err := c.registry.RecordVote(inst.id, peer, registry.VoteUnreachable); err != nil {
			c.logger.Warn("twopc.vote.rejected", "instance_id", inst.id, "participant", peer, "error", err)
			continue
		}
		c.metrics.recordVote(ctx, registry.VoteUnreachable)
	}
	c.decideLocked(ctx, inst, actionlog.KindAbort, "vote_timeout")
}

func (c *Coordinator) expire(instanceID string) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.terminal[instanceID]; ok && !entry.expires.After(now) {
		delete(c.terminal, instanceID)
	}
}
