package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/transformflow/internal/activity"
	"github.com/roach88/transformflow/internal/ir"
	"github.com/roach88/transformflow/internal/metrics"
	"github.com/roach88/transformflow/internal/store"
)

// Store is the persistence the engine needs. Implemented by *store.Store.
type Store interface {
	CreateInstance(ctx context.Context, inst ir.Instance, msgs []ir.Message) error
	Commit(ctx context.Context, t store.Transition) (int64, error)
	GetInstance(ctx context.Context, id string) (ir.Instance, error)
	History(ctx context.Context, instanceID string) ([]ir.HistoryEntry, error)
	Messages(ctx context.Context, instanceID string) ([]ir.Message, error)
	UndeliveredMessages(ctx context.Context, instanceID string, limit int) ([]ir.Message, error)
	MarkDelivered(ctx context.Context, ids ...string) error
	FindIncomplete(ctx context.Context) ([]string, error)
	FindSuspended(ctx context.Context) ([]ir.Instance, error)
}

// maxConflicts bounds how often Drive re-folds after losing a commit race.
const maxConflicts = 3

// Engine drives orchestration instances.
//
// Thread-safety model:
//   - All methods are safe from any goroutine.
//   - Steps of one instance are serialized by a per-instance lock; the
//     store's version guard serializes writers in other processes.
//   - No lock is shared between instances.
type Engine struct {
	store   Store
	acts    activity.Activities
	policy  Policy
	ids     IDGenerator
	clock   Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	locks   instanceLocks

	// Worker bookkeeping, see runner.go.
	mu      sync.Mutex
	runCtx  context.Context
	workers map[string]*worker
	wg      sync.WaitGroup
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithPolicy sets the retry budget and review loop limits.
func WithPolicy(p Policy) EngineOption {
	return func(e *Engine) {
		e.policy = p.withDefaults()
	}
}

// WithMaxAttempts sets the execution attempt budget.
//
// Default: 5 attempts (DefaultMaxAttempts)
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		e.policy.MaxAttempts = n
		e.policy = e.policy.withDefaults()
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l == nil {
			l = zap.NewNop()
		}
		e.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithIDGenerator sets the instance id generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithClock sets the wall clock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// New creates an Engine over the given store and activities.
func New(s Store, acts activity.Activities, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   s,
		acts:    acts,
		policy:  DefaultPolicy(),
		ids:     UUIDv7Generator{},
		clock:   SystemClock{},
		logger:  zap.NewNop(),
		locks:   instanceLocks{m: make(map[string]*lockEntry)},
		workers: make(map[string]*worker),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Policy returns the engine's effective policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// OutputRef is the output location of an instance created for clientID at
// the given time. It depends only on creation data so replay reproduces it.
func OutputRef(clientID string, createdAt time.Time) string {
	return clientID + "/" + createdAt.UTC().Format("20060102_150405")
}

// Create records a new instance for req and schedules it if the engine is
// running. Returns the instance id.
func (e *Engine) Create(ctx context.Context, req ir.Request) (string, error) {
	switch {
	case strings.TrimSpace(req.ClientID) == "":
		return "", NewInvalidRequestError("client_id")
	case strings.TrimSpace(req.MappingRef) == "":
		return "", NewInvalidRequestError("mapping_ref")
	case strings.TrimSpace(req.DataRef) == "":
		return "", NewInvalidRequestError("data_ref")
	}

	id := e.ids.Generate()
	now := e.clock.Now().UTC()
	inst := ir.Instance{
		ID:        id,
		Request:   req,
		Phase:     ir.PhaseChangeDetection,
		Status:    ir.StatusPending,
		OutputRef: OutputRef(req.ClientID, now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	msgs := e.newMessages(id, 0, []note{
		agentNote(ir.PhaseChangeDetection, "Checking if existing transformation can be reused..."),
	}, now)

	if err := e.store.CreateInstance(ctx, inst, msgs); err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}
	e.logger.Info("instance created",
		zap.String("instance_id", id),
		zap.String("client_id", req.ClientID),
		zap.String("output_ref", inst.OutputRef),
	)

	_, _ = e.deliver(ctx, msgs)
	e.kick(id)
	return id, nil
}

// Status returns the instance snapshot.
func (e *Engine) Status(ctx context.Context, id string) (ir.Instance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Instance{}, NewNotFoundError(id)
	}
	return inst, err
}

// Messages returns the audit trail of an instance in order.
func (e *Engine) Messages(ctx context.Context, id string) ([]ir.Message, error) {
	if _, err := e.Status(ctx, id); err != nil {
		return nil, err
	}
	return e.store.Messages(ctx, id)
}

// Replay rebuilds and verifies an instance's state from its history without
// executing anything.
func (e *Engine) Replay(ctx context.Context, id string) (State, error) {
	_, s, err := e.load(ctx, id)
	return s, err
}

// SubmitReview resolves the pending review of an instance.
//
// Returns MALFORMED_DECISION for a rejection without feedback and
// STALE_REVIEW if the instance is not waiting for a review, including when
// a concurrent submission resolved it first. State is unchanged on error.
func (e *Engine) SubmitReview(ctx context.Context, id string, d ir.ReviewDecision) error {
	inst, err := e.Status(ctx, id)
	if err != nil {
		return err
	}
	if d.Approved {
		d.Feedback = ""
	}
	if err := validateDecision(id, d); err != nil {
		return err
	}
	if inst.Status.Terminal() || inst.PendingEvent != ir.EventReview {
		return NewStaleReviewError(id, ir.EventReview, inst.PendingEvent)
	}

	if err := e.resolve(ctx, id, d); err != nil {
		return err
	}
	e.kick(id)
	return nil
}

func (e *Engine) resolve(ctx context.Context, id string, d ir.ReviewDecision) error {
	unlock := e.locks.lock(id)
	defer unlock()

	inst, s, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if err := checkResolve(s, ir.EventReview, d); err != nil {
		return err
	}

	now := e.clock.Now().UTC()
	entry, err := newEntry(s, ir.EntryEvent, ir.EventReview, d, ir.ReviewEvent{Decision: d, ResolvedAt: now}, now)
	if err != nil {
		return err
	}
	_, _, err = e.commit(ctx, inst, s, entry)
	if errors.Is(err, store.ErrConflict) {
		return NewStaleReviewError(id, ir.EventReview, "")
	}
	return err
}

// Drive steps instance id until it suspends, terminates or ctx ends, and
// returns the last snapshot. Only commands missing from history execute.
func (e *Engine) Drive(ctx context.Context, id string) (ir.Instance, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	for conflicts := 0; ; conflicts++ {
		inst, err := e.drive(ctx, id)
		if !errors.Is(err, store.ErrConflict) || conflicts >= maxConflicts {
			return inst, err
		}
		e.logger.Debug("commit conflict, re-folding", zap.String("instance_id", id))
	}
}

func (e *Engine) drive(ctx context.Context, id string) (ir.Instance, error) {
	inst, s, err := e.load(ctx, id)
	if err != nil {
		return inst, err
	}

	for {
		cmd, err := decide(s)
		if err != nil {
			return inst, NewCorruptHistoryError(id, s.Seq+1, err)
		}
		if cmd.Kind != CommandActivity {
			return inst, nil
		}

		entry, err := e.invoke(ctx, s, cmd)
		if err != nil {
			return inst, err
		}
		if inst, s, err = e.commit(ctx, inst, s, entry); err != nil {
			return inst, err
		}
	}
}

// load reads and folds an instance.
func (e *Engine) load(ctx context.Context, id string) (ir.Instance, State, error) {
	inst, err := e.Status(ctx, id)
	if err != nil {
		return inst, State{}, err
	}
	history, err := e.store.History(ctx, id)
	if err != nil {
		return inst, State{}, err
	}
	s, err := Fold(inst, history, e.policy)
	if err != nil {
		return inst, s, err
	}
	e.metrics.ObserveReplay(len(history))
	return inst, s, nil
}

// invoke executes cmd and returns the entry that records it. A cancelled
// context records nothing.
func (e *Engine) invoke(ctx context.Context, s State, cmd Command) (ir.HistoryEntry, error) {
	seq := s.Seq + 1
	key, err := ir.CallKey(s.InstanceID, seq, cmd.Name, cmd.Digest)
	if err != nil {
		return ir.HistoryEntry{}, err
	}
	call := activity.Call{InstanceID: s.InstanceID, Key: key, Seq: seq}

	log := e.logger.With(
		zap.String("instance_id", s.InstanceID),
		zap.String("phase", string(s.Phase)),
		zap.String("activity", cmd.Name),
		zap.Int64("seq", seq),
	)
	if s.Phase == ir.PhaseExecution {
		log = log.With(zap.Int("attempt", s.Attempt))
	}

	start := time.Now()
	result, transient, err := e.dispatch(ctx, call, cmd)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ir.HistoryEntry{}, ctxErr
	}

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		log.Warn("activity failed", zap.Error(err))
	case transient:
		outcome = "transient"
		log.Info("activity failed transiently")
	default:
		log.Debug("activity completed")
	}
	e.metrics.ObserveActivity(cmd.Name, outcome, time.Since(start))

	if plan, ok := result.(ir.Plan); ok {
		plan.Version = s.nextPlanVersion()
		result = plan
	}

	entry, buildErr := newEntry(s, ir.EntryActivity, cmd.Name, cmd.Input, result, e.clock.Now().UTC())
	if buildErr != nil {
		return ir.HistoryEntry{}, buildErr
	}
	if err != nil {
		entry.Error = err.Error()
		entry.Result = json.RawMessage("null")
	}
	return entry, nil
}

// dispatch calls the activity behind cmd. Transient execute and
// check-integrity errors are folded into a failed result.
func (e *Engine) dispatch(ctx context.Context, call activity.Call, cmd Command) (any, bool, error) {
	switch in := cmd.Input.(type) {
	case ir.DetectChangeInput:
		rep, err := e.acts.DetectChange(ctx, call, in)
		return rep, false, err
	case ir.PlanInput:
		plan, err := e.acts.Plan(ctx, call, in)
		return plan, false, err
	case ir.RevisePlanInput:
		plan, err := e.acts.RevisePlan(ctx, call, in)
		return plan, false, err
	case ir.GenerateCodeInput:
		code, err := e.acts.GenerateCode(ctx, call, in)
		return code, false, err
	case ir.ExecuteInput:
		res, err := e.acts.Execute(ctx, call, in)
		if activity.IsTransient(err) {
			return ir.ExecutionResult{Success: false, ErrorLog: err.Error()}, true, nil
		}
		return res, false, err
	case ir.CheckIntegrityInput:
		rep, err := e.acts.CheckIntegrity(ctx, call, in)
		if activity.IsTransient(err) {
			return ir.IntegrityReport{Passed: false, FailureReasons: []string{err.Error()}}, true, nil
		}
		return rep, false, err
	case ir.RepairInput:
		code, err := e.acts.Repair(ctx, call, in)
		return code, false, err
	case ir.PersistInput:
		err := e.acts.PersistArtifact(ctx, call, in)
		return ir.Ack{OK: err == nil}, false, err
	}
	return nil, false, fmt.Errorf("no activity for %s", cmd.Name)
}

// newEntry builds the history entry for the next slot of s.
func newEntry(s State, kind ir.EntryKind, name string, input, result any, at time.Time) (ir.HistoryEntry, error) {
	seq := s.Seq + 1
	digest, err := ir.InputDigest(input)
	if err != nil {
		return ir.HistoryEntry{}, err
	}
	key, err := ir.CallKey(s.InstanceID, seq, name, digest)
	if err != nil {
		return ir.HistoryEntry{}, err
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return ir.HistoryEntry{}, fmt.Errorf("marshal %s input: %w", name, err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return ir.HistoryEntry{}, fmt.Errorf("marshal %s result: %w", name, err)
	}
	return ir.HistoryEntry{
		InstanceID:  s.InstanceID,
		Seq:         seq,
		Kind:        kind,
		Name:        name,
		CallKey:     key,
		InputDigest: digest,
		Input:       inputJSON,
		Result:      resultJSON,
		RecordedAt:  at,
	}, nil
}

// commit folds entry into s and persists the transition atomically.
func (e *Engine) commit(ctx context.Context, inst ir.Instance, s State, entry ir.HistoryEntry) (ir.Instance, State, error) {
	next, notes, err := apply(s, entry, e.policy)
	if err != nil {
		return inst, s, err
	}

	now := e.clock.Now().UTC()
	snap := next.Snapshot(inst)
	snap.UpdatedAt = now
	msgs := e.newMessages(inst.ID, entry.Seq, notes, now)

	version, err := e.store.Commit(ctx, store.Transition{Instance: snap, Entry: entry, Messages: msgs})
	if err != nil {
		return inst, s, err
	}
	snap.Version = version

	e.observe(s, next, entry)
	_, _ = e.deliver(ctx, msgs)
	return snap, next, nil
}

func (e *Engine) observe(prev, next State, entry ir.HistoryEntry) {
	if prev.Phase != next.Phase {
		e.metrics.ObserveTransition(string(prev.Phase), string(next.Phase))
	}
	if entry.Kind == ir.EntryEvent {
		var d ir.ReviewDecision
		if err := json.Unmarshal(entry.Input, &d); err == nil {
			e.metrics.ObserveReview(string(prev.Phase), d.Approved)
		}
	}
	if entry.Name == ir.ActivityRepair && entry.Error == "" {
		e.metrics.ObserveRepair()
	}

	fields := []zap.Field{
		zap.String("instance_id", next.InstanceID),
		zap.Int64("seq", entry.Seq),
		zap.String("entry", entry.Name),
		zap.String("phase", string(next.Phase)),
	}
	if !prev.Status.Terminal() && next.Status.Terminal() {
		e.metrics.ObserveTerminal(string(next.Status))
		if next.Status == ir.StatusFailed {
			e.logger.Warn("instance failed", append(fields, zap.String("error", next.Error))...)
		} else {
			e.logger.Info("instance completed", fields...)
		}
		return
	}
	e.logger.Debug("step recorded", fields...)
}

func (e *Engine) newMessages(instanceID string, seq int64, notes []note, at time.Time) []ir.Message {
	msgs := make([]ir.Message, len(notes))
	for i, n := range notes {
		msgs[i] = ir.Message{
			ID:         messageID(instanceID, seq, i),
			InstanceID: instanceID,
			Role:       n.Role,
			Phase:      n.Phase,
			Content:    n.Content,
			Timestamp:  at,
		}
	}
	return msgs
}

// deliver hands committed messages to the append-log sink. Failures are
// logged and left undelivered for the next Start. Returns the number
// delivered and marked; a failure to mark is returned as an error with a
// count of zero.
func (e *Engine) deliver(ctx context.Context, msgs []ir.Message) (int, error) {
	if len(msgs) == 0 || ctx.Err() != nil {
		return 0, nil
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if err := e.acts.AppendLog(ctx, m); err != nil {
			e.metrics.ObserveAppendLogFailure()
			e.logger.Warn("append-log failed",
				zap.String("instance_id", m.InstanceID),
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.store.MarkDelivered(ctx, ids...); err != nil {
		e.logger.Warn("mark delivered failed", zap.Int("count", len(ids)), zap.Error(err))
		return 0, fmt.Errorf("mark delivered: %w", err)
	}
	return len(ids), nil
}

// instanceLocks is a keyed mutex. Entries are dropped when unused.
type instanceLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *instanceLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	ent, ok := l.m[id]
	if !ok {
		ent = &lockEntry{}
		l.m[id] = ent
	}
	ent.refs++
	l.mu.Unlock()

	ent.mu.Lock()
	return func() {
		ent.mu.Unlock()
		l.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
