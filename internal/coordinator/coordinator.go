// Package coordinator drives the two-phase commit protocol for each consensus
// instance. Every action is appended to the action log before it is
// delivered, so a restarted coordinator can resume from the log alone.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/actionlog"
	"pkt.systems/tpcd/internal/archive"
	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/ids"
	"pkt.systems/tpcd/internal/registry"
	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/internal/transport"
)

// Phase is the protocol phase of an instance.
type Phase string

const (
	PhaseProposed   Phase = "PROPOSED"
	PhaseVoting     Phase = "VOTING"
	PhaseCommitting Phase = "COMMITTING"
	PhaseAborting   Phase = "ABORTING"
	PhaseCommitted  Phase = "COMMITTED"
	PhaseAborted    Phase = "ABORTED"
)

// Terminal reports whether p is COMMITTED or ABORTED.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseAborted
}

// ParsePhase validates raw and returns the matching Phase.
func ParsePhase(raw string) (Phase, error) {
	switch p := Phase(strings.ToUpper(strings.TrimSpace(raw))); p {
	case PhaseProposed, PhaseVoting, PhaseCommitting, PhaseAborting, PhaseCommitted, PhaseAborted:
		return p, nil
	default:
		return "", fmt.Errorf("coordinator: unknown phase %q", raw)
	}
}

var (
	// ErrNotReady is returned until recovery has finished.
	ErrNotReady = errors.New("coordinator: not ready")
	// ErrInstanceNotFound indicates the instance is unknown.
	ErrInstanceNotFound = errors.New("coordinator: instance not found")
	// ErrInstanceExists indicates the instance id is already in use.
	ErrInstanceExists = errors.New("coordinator: instance already exists")
	// ErrInstanceTerminal indicates an append was attempted after COMMITTED or ABORTED.
	ErrInstanceTerminal = errors.New("coordinator: instance is terminal")
	// ErrNoParticipants indicates begin was called without participants.
	ErrNoParticipants = errors.New("coordinator: participants required")
	// ErrQuarantined indicates the instance failed recovery and awaits an operator.
	ErrQuarantined = errors.New("coordinator: instance quarantined")
	// ErrInvalidInstanceID indicates an instance id that cannot be stored.
	ErrInvalidInstanceID = errors.New("coordinator: invalid instance id")
	// ErrInvalidParticipant indicates an empty or repeated participant id.
	ErrInvalidParticipant = errors.New("coordinator: invalid participant")
)

const (
	DefaultVoteTimeout        = 30 * time.Second
	DefaultDeliveryAttempts   = 5
	DefaultDeliveryBaseDelay  = 100 * time.Millisecond
	DefaultDeliveryMaxDelay   = 10 * time.Second
	DefaultDeliveryMultiplier = 2.0
	DefaultWorkers            = 8
	DefaultTerminalRetention  = 10 * time.Minute

	maxInstanceIDLength = 128
)

// Config wires a Coordinator.
type Config struct {
	Store     actionlog.Store
	Registry  *registry.Registry
	Deliverer transport.Deliverer
	// Archive receives snapshots of decided instances. Nil discards them.
	Archive archive.Sink
	Clock   clock.Clock
	Logger  pslog.Logger

	VoteTimeout        time.Duration
	DeliveryAttempts   int
	DeliveryBaseDelay  time.Duration
	DeliveryMaxDelay   time.Duration
	DeliveryMultiplier float64
	Workers            int
	TerminalRetention  time.Duration
}

// Status is a point-in-time view of an instance.
type Status struct {
	InstanceID   string
	Phase        Phase
	History      []Phase
	CreatedAt    int64
	UpdatedAt    int64
	Participants []registry.Participant
	Archived     bool
}

// VoteResult reports the outcome of RecordVote.
type VoteResult struct {
	Phase   Phase
	Applied bool
}

type terminalEntry struct {
	status   Status
	snapshot archive.Snapshot
	expires  time.Time
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	store     actionlog.Store
	registry  *registry.Registry
	deliverer transport.Deliverer
	archive   archive.Sink
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *coordinatorMetrics

	voteTimeout       time.Duration
	maxAttempts       int
	baseDelay         time.Duration
	maxDelay          time.Duration
	multiplier        float64
	workers           int
	terminalRetention time.Duration

	sched *scheduler
	ready atomic.Bool

	mu          sync.RWMutex
	instances   map[string]*instance
	terminal    map[string]terminalEntry
	quarantined map[string]error

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New validates cfg and returns a Coordinator. Call Start to run deliveries.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator: action log store required")
	}
	if cfg.Deliverer == nil {
		return nil, errors.New("coordinator: deliverer required")
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	sink := cfg.Archive
	if sink == nil {
		sink = archive.Discard{}
	}
	clk := clock.Ensure(cfg.Clock)
	logger := svcfields.WithSubsystem(svcfields.EnsureLogger(cfg.Logger), "coordinator.twopc")
	c := &Coordinator{
		store:             cfg.Store,
		registry:          reg,
		deliverer:         cfg.Deliverer,
		archive:           sink,
		clock:             clk,
		logger:            logger,
		metrics:           newCoordinatorMetrics(logger),
		voteTimeout:       durationOr(cfg.VoteTimeout, DefaultVoteTimeout),
		maxAttempts:       cfg.DeliveryAttempts,
		baseDelay:         durationOr(cfg.DeliveryBaseDelay, DefaultDeliveryBaseDelay),
		maxDelay:          durationOr(cfg.DeliveryMaxDelay, DefaultDeliveryMaxDelay),
		multiplier:        cfg.DeliveryMultiplier,
		workers:           cfg.Workers,
		terminalRetention: durationOr(cfg.TerminalRetention, DefaultTerminalRetention),
		instances:         make(map[string]*instance),
		terminal:          make(map[string]terminalEntry),
		quarantined:       make(map[string]error),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultDeliveryAttempts
	}
	if c.multiplier < 1 {
		c.multiplier = DefaultDeliveryMultiplier
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = c.baseDelay
	}
	if c.workers <= 0 {
		c.workers = DefaultWorkers
	}
	c.sched = newScheduler(clk, c.workers*4)
	return c, nil
}

func durationOr(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// Start launches the scheduler and the delivery workers.
func (c *Coordinator) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sched.run(runCtx)
	}()
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.worker(runCtx)
		}()
	}
	c.logger.Debug("twopc.coordinator.started", "workers", c.workers)
}

// Close stops the workers. Pending actions stay in the log for the next start.
func (c *Coordinator) Close() error {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
	c.ready.Store(false)
	return nil
}

// MarkReady opens the coordinator to client requests.
func (c *Coordinator) MarkReady() {
	c.ready.Store(true)
	c.logger.Info("twopc.coordinator.ready", "instances", c.liveCount())
}

// Ready reports whether client requests are accepted.
func (c *Coordinator) Ready() bool {
	return c.ready.Load()
}

func (c *Coordinator) requireReady() error {
	if !c.ready.Load() {
		return ErrNotReady
	}
	return nil
}

func (c *Coordinator) liveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instances)
}

// BeginInstance creates an instance, logs one vote request per participant
// and moves it to VOTING. An empty instanceID gets a generated UUIDv7.
func (c *Coordinator) BeginInstance(ctx context.Context, instanceID string, participants []string, payload []byte) (Status, error) {
	if err := c.requireReady(); err != nil {
		return Status{}, err
	}
	peers, err := normalizeParticipants(participants)
	if err != nil {
		return Status{}, err
	}
	instanceID = strings.TrimSpace(instanceID)
	explicit := instanceID != ""
	if !explicit {
		instanceID = ids.Instance()
	}
	if err := ValidateInstanceID(instanceID); err != nil {
		return Status{}, err
	}
	if explicit {
		if _, err := c.archive.Get(ctx, instanceID); err == nil {
			return Status{}, fmt.Errorf("%w: %s", ErrInstanceExists, instanceID)
		}
	}

	now := c.clock.Now().Unix()
	inst := newInstance(instanceID, peers, now)
	inst.payload = append([]byte(nil), payload...)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	c.mu.Lock()
	_, live := c.instances[instanceID]
	_, done := c.terminal[instanceID]
	_, bad := c.quarantined[instanceID]
	if live || done || bad {
		c.mu.Unlock()
		return Status{}, fmt.Errorf("%w: %s", ErrInstanceExists, instanceID)
	}
	c.instances[instanceID] = inst
	c.mu.Unlock()
	c.metrics.recordActive(ctx, 1)
	c.metrics.recordTransition(ctx, PhaseProposed)

	logger := svcfields.WithInstance(c.logger, instanceID)
	for _, peer := range peers {
		if err := c.registry.Register(instanceID, peer); err != nil {
			c.abortLocked(ctx, inst, "register_failed")
			return c.statusLocked(inst), err
		}
	}
	actions := make([]actionlog.Action, 0, len(peers))
	for _, peer := range peers {
		a, err := c.appendLocked(ctx, inst, actionlog.KindVoteRequest, peer, inst.payload)
		if err != nil {
			logger.Warn("twopc.instance.begin_failed", "participant", peer, "error", err)
			c.abortLocked(ctx, inst, "append_failed")
			return c.statusLocked(inst), fmt.Errorf("coordinator: begin %s: %w", instanceID, err)
		}
		actions = append(actions, a)
	}
	c.setPhaseLocked(ctx, inst, PhaseVoting)
	for _, a := range actions {
		c.scheduleDelivery(a, 0, 0)
	}
	c.sched.after(c.voteTimeout, &task{kind: taskVoteTimeout, instanceID: instanceID})
	logger.Info("twopc.instance.begin", "participants", len(peers), "payload_bytes", len(payload))
	return c.statusLocked(inst), nil
}

// ValidateInstanceID rejects ids that cannot be used as log keys or archive
// object names.
func ValidateInstanceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidInstanceID)
	}
	if len(id) > maxInstanceIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidInstanceID, maxInstanceIDLength)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}
	for _, r := range id {
		if r <= 0x20 || r > 0x7e || r == '/' || r == '\\' {
			return fmt.Errorf("%w: character %q", ErrInvalidInstanceID, r)
		}
	}
	return nil
}

func normalizeParticipants(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidParticipant)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidParticipant, p)
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrNoParticipants
	}
	return out, nil
}

// GetStatus returns the phase of an instance. Decided instances are served
// from the terminal cache and, once that expires, from the archive.
func (c *Coordinator) GetStatus(ctx context.Context, instanceID string) (Status, error) {
	if err := c.requireReady(); err != nil {
		return Status{}, err
	}
	if inst := c.live(instanceID); inst != nil {
		inst.mu.Lock()
		if !inst.done {
			st := c.statusLocked(inst)
			inst.mu.Unlock()
			return st, nil
		}
		inst.mu.Unlock()
	}
	return c.decidedStatus(ctx, instanceID)
}

func (c *Coordinator) decidedStatus(ctx context.Context, instanceID string) (Status, error) {
	c.mu.RLock()
	entry, ok := c.terminal[instanceID]
	qerr, bad := c.quarantined[instanceID]
	c.mu.RUnlock()
	if bad {
		return Status{}, fmt.Errorf("%w: %s: %v", ErrQuarantined, instanceID, qerr)
	}
	if ok {
		return cloneStatus(entry.status), nil
	}
	snap, err := c.archive.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return Status{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}
		return Status{}, err
	}
	return statusFromSnapshot(snap), nil
}

func statusFromSnapshot(snap archive.Snapshot) Status {
	phase, err := ParsePhase(snap.Phase)
	if err != nil {
		phase = Phase(snap.Phase)
	}
	return Status{
		InstanceID:   snap.InstanceID,
		Phase:        phase,
		History:      []Phase{phase},
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
		Participants: append([]registry.Participant(nil), snap.Participants...),
		Archived:     true,
	}
}

func cloneStatus(st Status) Status {
	st.History = append([]Phase(nil), st.History...)
	st.Participants = append([]registry.Participant(nil), st.Participants...)
	return st
}

// RecordVote applies a participant's vote. Votes arriving after the instance
// left VOTING are ignored and reported with Applied=false.
func (c *Coordinator) RecordVote(ctx context.Context, instanceID, peerID string, vote registry.Vote) (VoteResult, error) {
	if err := c.requireReady(); err != nil {
		return VoteResult{}, err
	}
	if vote != registry.VoteYes && vote != registry.VoteNo {
		return VoteResult{}, fmt.Errorf("%w: participants vote YES or NO, got %q", registry.ErrInvalidVote, vote)
	}
	if inst := c.live(instanceID); inst != nil {
		inst.mu.Lock()
		if !inst.done {
			applied, err := c.applyVoteLocked(ctx, inst, peerID, vote, "api")
			res := VoteResult{Phase: inst.phase, Applied: applied}
			inst.mu.Unlock()
			return res, err
		}
		inst.mu.Unlock()
	}
	st, err := c.decidedStatus(ctx, instanceID)
	if err != nil {
		return VoteResult{}, err
	}
	for _, p := range st.Participants {
		if p.PeerID == peerID {
			c.logger.Debug("twopc.vote.ignored", "instance_id", instanceID, "participant", peerID, "vote", vote, "phase", st.Phase)
			return VoteResult{Phase: st.Phase}, nil
		}
	}
	return VoteResult{}, fmt.Errorf("%w: %s in instance %s", registry.ErrUnknownParticipant, peerID, instanceID)
}

// Actions returns every logged action of an instance in sequence order.
func (c *Coordinator) Actions(ctx context.Context, instanceID string) ([]actionlog.Action, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	if inst := c.live(instanceID); inst != nil {
		return c.store.List(ctx, instanceID)
	}
	c.mu.RLock()
	entry, ok := c.terminal[instanceID]
	c.mu.RUnlock()
	if ok {
		return cloneActions(entry.snapshot.Actions), nil
	}
	if c.isQuarantined(instanceID) {
		return c.store.List(ctx, instanceID)
	}
	snap, err := c.archive.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}
		return nil, err
	}
	return snap.Actions, nil
}

// List returns the status of every live instance ordered by id.
func (c *Coordinator) List() []Status {
	c.mu.RLock()
	insts := make([]*instance, 0, len(c.instances))
	for _, inst := range c.instances {
		insts = append(insts, inst)
	}
	c.mu.RUnlock()
	out := make([]Status, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		if !inst.done {
			out = append(out, c.statusLocked(inst))
		}
		inst.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Quarantine blocks an instance that could not be recovered. Its rows stay
// in the log and its id cannot be reused.
func (c *Coordinator) Quarantine(instanceID string, cause error) {
	c.mu.Lock()
	c.quarantined[instanceID] = cause
	c.mu.Unlock()
	c.logger.Error("twopc.instance.quarantined", "instance_id", instanceID, "error", cause)
}

func (c *Coordinator) isQuarantined(instanceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.quarantined[instanceID]
	return ok
}

func (c *Coordinator) live(instanceID string) *instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instances[instanceID]
}

func cloneActions(in []actionlog.Action) []actionlog.Action {
	out := make([]actionlog.Action, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
