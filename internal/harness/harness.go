package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/transformflow/internal/engine"
	"github.com/roach88/transformflow/internal/ir"
	"github.com/roach88/transformflow/internal/store"
	"github.com/roach88/transformflow/internal/testutil"
)

// Epoch is the first instant of the harness clock.
var Epoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// maxDrives bounds the drive/review loop of one scenario.
const maxDrives = 100

// Harness executes one scenario against a private store and engine.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	engine   *engine.Engine
	acts     *testutil.ScriptedActivities
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// An error is returned only when the harness itself cannot run; scenario
// failures are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	acts := scenario.activities()
	h := &Harness{
		scenario: scenario,
		store:    st,
		acts:     acts,
		engine: engine.New(st, acts,
			engine.WithClock(testutil.NewStepClock(Epoch, time.Second)),
			engine.WithIDGenerator(testutil.NewSequenceGenerator("inst")),
			engine.WithPolicy(scenario.Policy.policy()),
		),
	}

	result := NewResult()
	id, err := h.engine.Create(ctx, scenario.Request.request())
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	result.InstanceID = id

	if err := h.drive(ctx, id, result); err != nil {
		return nil, err
	}
	if err := h.collect(ctx, id, result); err != nil {
		return nil, err
	}
	h.verifyReplay(ctx, id, result)

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// drive alternates Drive and SubmitReview until the instance is terminal or
// the scenario runs out of reviews.
func (h *Harness) drive(ctx context.Context, id string, result *Result) error {
	reviews := h.scenario.Reviews
	for i := 0; i < maxDrives; i++ {
		inst, err := h.engine.Drive(ctx, id)
		if err != nil {
			return fmt.Errorf("drive %s: %w", id, err)
		}
		if inst.Status.Terminal() || inst.PendingEvent != ir.EventReview {
			return nil
		}

		// Submissions expected to fail do not resolve the gate; keep
		// submitting until one succeeds or the reviews run out.
		for {
			if len(reviews) == 0 {
				return nil
			}
			step := reviews[0]
			reviews = reviews[1:]

			err := h.engine.SubmitReview(ctx, id, ir.ReviewDecision{Approved: step.Approve, Feedback: step.Feedback})
			if msg := checkReviewError(step, err); msg != "" {
				result.AddError(msg)
			}
			if err == nil {
				break
			}
			var re *engine.RuntimeError
			if !errors.As(err, &re) {
				return fmt.Errorf("submit review %s: %w", id, err)
			}
		}
	}
	return fmt.Errorf("instance %s did not settle after %d drives", id, maxDrives)
}

func checkReviewError(step ReviewStep, err error) string {
	if step.ExpectError == "" {
		if err != nil {
			return fmt.Sprintf("review (approve=%t): unexpected error: %v", step.Approve, err)
		}
		return ""
	}
	if err == nil {
		return fmt.Sprintf("review (approve=%t): expected %s, got success", step.Approve, step.ExpectError)
	}
	var re *engine.RuntimeError
	if !errors.As(err, &re) || string(re.Code) != step.ExpectError {
		return fmt.Sprintf("review (approve=%t): expected %s, got %v", step.Approve, step.ExpectError, err)
	}
	return ""
}

// collect reads the final snapshot, history and audit trail.
func (h *Harness) collect(ctx context.Context, id string, result *Result) error {
	inst, err := h.engine.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("status %s: %w", id, err)
	}
	result.Final = inst

	history, err := h.store.History(ctx, id)
	if err != nil {
		return fmt.Errorf("history %s: %w", id, err)
	}
	for _, e := range history {
		result.AddEntry(e)
	}

	msgs, err := h.engine.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("messages %s: %w", id, err)
	}
	result.Messages = msgs
	return nil
}

// verifyReplay re-folds the history and compares it to the stored snapshot.
func (h *Harness) verifyReplay(ctx context.Context, id string, result *Result) {
	s, err := h.engine.Replay(ctx, id)
	if err != nil {
		result.AddError(fmt.Sprintf("replay: %v", err))
		return
	}
	got, want := s.Snapshot(result.Final), result.Final
	switch {
	case got.Phase != want.Phase || got.Status != want.Status:
		result.AddError(fmt.Sprintf("replay: folds to %s/%s, snapshot %s/%s", got.Phase, got.Status, want.Phase, want.Status))
	case got.PendingEvent != want.PendingEvent:
		result.AddError(fmt.Sprintf("replay: pending %q, snapshot %q", got.PendingEvent, want.PendingEvent))
	case got.PlanVersion != want.PlanVersion || got.Attempt != want.Attempt:
		result.AddError(fmt.Sprintf("replay: plan v%d attempt %d, snapshot plan v%d attempt %d",
			got.PlanVersion, got.Attempt, want.PlanVersion, want.Attempt))
	case got.Error != want.Error:
		result.AddError(fmt.Sprintf("replay: error %q, snapshot %q", got.Error, want.Error))
	}
}
