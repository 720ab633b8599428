package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// redeliverBatch is the page size used when flushing the outbox at start.
const redeliverBatch = 500

// worker drives one instance. wake has capacity 1 so any number of kicks
// while a step is in flight coalesce into one more pass.
type worker struct {
	wake chan struct{}
}

// Start recovers and begins scheduling instances under ctx.
//
// It delivers audit messages left undelivered by a previous process and
// starts a worker for every incomplete instance that is not suspended.
// Suspended instances get no worker; they are counted in the log and
// resume when their review arrives.
// Start returns once recovery is scheduled; cancel ctx and call Wait to
// shut down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.runCtx = ctx
	e.mu.Unlock()

	e.logger.Info("engine starting",
		zap.Int("max_attempts", e.policy.MaxAttempts),
		zap.Int("max_plan_revisions", e.policy.MaxPlanRevisions),
		zap.Int("max_output_rejections", e.policy.MaxOutputRejections),
	)

	if err := e.redeliver(ctx); err != nil {
		return fmt.Errorf("redeliver audit messages: %w", err)
	}

	ids, err := e.store.FindIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("find incomplete instances: %w", err)
	}
	for _, id := range ids {
		e.kick(id)
	}
	if len(ids) > 0 {
		e.logger.Info("resuming instances", zap.Int("count", len(ids)))
	}

	waiting, err := e.store.FindSuspended(ctx)
	if err != nil {
		return fmt.Errorf("find suspended instances: %w", err)
	}
	if len(waiting) > 0 {
		oldest := waiting[0]
		e.logger.Info("instances awaiting review",
			zap.Int("count", len(waiting)),
			zap.String("oldest_instance_id", oldest.ID),
			zap.String("oldest_phase", string(oldest.Phase)),
		)
	}
	return nil
}

// Wait blocks until every worker has exited. Workers exit when their
// instance suspends or terminates, or when the Start context is cancelled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// redeliver flushes the outbox. It stops early if the sink rejects
// anything; the rest stays queued for the next start. A batch that cannot
// be marked delivered aborts the flush so it is not published again.
func (e *Engine) redeliver(ctx context.Context) error {
	total := 0
	for {
		msgs, err := e.store.UndeliveredMessages(ctx, "", redeliverBatch)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			break
		}
		n, err := e.deliver(ctx, msgs)
		if err != nil {
			return err
		}
		total += n
		if n < len(msgs) {
			break
		}
	}
	if total > 0 {
		e.logger.Info("redelivered audit messages", zap.Int("count", total))
	}
	return nil
}

// kick schedules instance id. It is a no-op before Start.
func (e *Engine) kick(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runCtx == nil || e.runCtx.Err() != nil {
		return
	}
	if w, ok := e.workers[id]; ok {
		select {
		case w.wake <- struct{}{}:
		default:
		}
		return
	}

	w := &worker{wake: make(chan struct{}, 1)}
	w.wake <- struct{}{}
	e.workers[id] = w
	e.wg.Add(1)
	go e.work(e.runCtx, id, w)
}

// work drives id once per wake-up and exits when no wake-up is pending.
// The check and the removal happen under e.mu so a concurrent kick either
// lands in wake before the check or starts a new worker after removal.
func (e *Engine) work(ctx context.Context, id string, w *worker) {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		if ctx.Err() != nil {
			delete(e.workers, id)
			e.mu.Unlock()
			return
		}
		select {
		case <-w.wake:
			e.mu.Unlock()
		default:
			delete(e.workers, id)
			e.mu.Unlock()
			return
		}

		inst, err := e.Drive(ctx, id)
		switch {
		case err == nil:
			e.logger.Debug("instance idle",
				zap.String("instance_id", id),
				zap.String("phase", string(inst.Phase)),
				zap.String("pending_event", inst.PendingEvent),
			)
		case ctx.Err() != nil:
			// Shutdown; the instance resumes on the next start.
		default:
			e.logger.Error("drive instance",
				zap.String("instance_id", id),
				zap.Error(err),
			)
		}
	}
}
