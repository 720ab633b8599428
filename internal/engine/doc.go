// Package engine implements the transformflow orchestration engine.
//
// The engine drives one transformation request (an instance) through the
// phases change_detection, planning, plan_review, code_generation,
// execution_with_integrity, output_review and saving, ending in completed
// or failed. Reasoning, job execution and persistence are delegated to
// activity.Activities; human decisions arrive through SubmitReview.
//
// # Durable Replay
//
// An instance's state is never kept in memory across steps. Every step
// re-derives it from the recorded history:
//
//	state := Fold(instance, history)   // pure, no side effects
//	cmd   := decide(state)             // next activity, a wait, or done
//
// Driving an instance executes only the first command not present in
// history. Its result is recorded with store.Commit, which writes the
// history entry, the new instance snapshot and the audit messages in one
// transaction. A crash between the activity and the commit loses nothing
// but the result: the activity is re-invoked on restart with the same call
// key, which adapters forward as their idempotency key.
//
// While folding, every recorded entry is compared with what decide would
// issue at that point. A differing kind, name or input digest means the
// history was produced by different engine logic and folding stops with a
// NON_DETERMINISTIC runtime error instead of guessing.
//
// # Review Gate
//
// Plan and output reviews suspend the instance by persisting a pending
// event marker. The instance holds no goroutine while suspended.
// SubmitReview records the decision as an event entry guarded by the
// instance version, so of two concurrent submissions exactly one commits
// and the other receives STALE_REVIEW.
//
// # Retry
//
// Execution and integrity checking share one attempt budget
// (Policy.MaxAttempts). A failed attempt is followed by repair with the
// latest failure text only, then the next attempt. The attempt number is
// part of every execute, check-integrity and repair input so each attempt
// has its own call keys.
//
// # Scheduling
//
// Each active instance gets one worker goroutine. A worker drives its
// instance until it suspends or terminates, then exits. Steps of one
// instance are strictly sequential; different instances run concurrently
// with no shared locks.
package engine
