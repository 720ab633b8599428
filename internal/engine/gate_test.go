package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transformflow/internal/ir"
	"github.com/roach88/transformflow/internal/testutil"
)

func TestSuspend(t *testing.T) {
	s := State{InstanceID: "inst-1"}

	s, err := suspend(s, ir.EventReview)
	require.NoError(t, err)
	assert.Equal(t, ir.EventReview, s.PendingEvent)

	// Waiting again for the same event is harmless.
	s, err = suspend(s, ir.EventReview)
	require.NoError(t, err)

	_, err = suspend(s, "upload")
	assert.Error(t, err)
}

func TestCheckResolve(t *testing.T) {
	pending := State{InstanceID: "inst-1", Status: ir.StatusRunning, PendingEvent: ir.EventReview}

	assert.NoError(t, checkResolve(pending, ir.EventReview, approve()))
	assert.True(t, IsMalformedDecision(checkResolve(pending, ir.EventReview, reject(""))))
	assert.True(t, IsMalformedDecision(checkResolve(pending, ir.EventReview, reject(" \t"))))

	running := pending
	running.PendingEvent = ""
	assert.True(t, IsStaleReview(checkResolve(running, ir.EventReview, approve())))

	done := pending
	done.Status = ir.StatusCompleted
	assert.True(t, IsStaleReview(checkResolve(done, ir.EventReview, approve())))
}

func TestSubmitReview_StaleAfterResolve(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, setupTestStore(t), testutil.NewScriptedActivities())
	id, inst := driveTo(t, e)
	require.Equal(t, ir.PhasePlanReview, inst.Phase)

	require.NoError(t, e.SubmitReview(ctx, id, approve()))

	// Not yet driven: the review is resolved but nothing has run.
	err := e.SubmitReview(ctx, id, approve())
	require.Error(t, err)
	assert.True(t, IsStaleReview(err))

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, id, rerr.InstanceID)
}

func TestSubmitReview_StaleWhileNotSuspended(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, setupTestStore(t), testutil.NewScriptedActivities())

	id, err := e.Create(ctx, testRequest())
	require.NoError(t, err)

	// Created but never driven: nothing is pending.
	err = e.SubmitReview(ctx, id, approve())
	assert.True(t, IsStaleReview(err))

	history, err := e.store.History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSubmitReview_StaleWhenTerminal(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, setupTestStore(t), testutil.NewScriptedActivities())
	id, _ := driveTo(t, e)

	decisions := []ir.ReviewDecision{approve(), approve()}
	inst, err := runToEnd(t, e, id, &decisions)
	require.NoError(t, err)
	require.Equal(t, ir.StatusCompleted, inst.Status)

	assert.True(t, IsStaleReview(e.SubmitReview(ctx, id, approve())))
	assert.True(t, IsStaleReview(e.SubmitReview(ctx, id, reject("too late"))))
}

func TestSubmitReview_MalformedLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	e := newTestEngine(t, s, testutil.NewScriptedActivities())
	id, before := driveTo(t, e)
	n := len(historyOf(t, s, id))

	err := e.SubmitReview(ctx, id, reject("   "))
	require.Error(t, err)
	assert.True(t, IsMalformedDecision(err))

	after, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.PendingEvent, after.PendingEvent)
	assert.Len(t, historyOf(t, s, id), n)

	// The pending review is still open.
	require.NoError(t, e.SubmitReview(ctx, id, reject("split the amount column")))
}

func TestSubmitReview_MalformedBeatsStale(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, setupTestStore(t), testutil.NewScriptedActivities())
	id, err := e.Create(ctx, testRequest())
	require.NoError(t, err)

	assert.True(t, IsMalformedDecision(e.SubmitReview(ctx, id, reject(""))))
}

func TestSubmitReview_UnknownInstance(t *testing.T) {
	e := newTestEngine(t, setupTestStore(t), testutil.NewScriptedActivities())
	err := e.SubmitReview(context.Background(), "missing", approve())
	assert.True(t, IsNotFound(err))
}

func TestSubmitReview_ApprovalDropsFeedback(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	e := newTestEngine(t, s, testutil.NewScriptedActivities())
	id, _ := driveTo(t, e)

	require.NoError(t, e.SubmitReview(ctx, id, ir.ReviewDecision{Approved: true, Feedback: "looks fine"}))

	history := historyOf(t, s, id)
	last := history[len(history)-1]
	require.Equal(t, ir.EntryEvent, last.Kind)
	var ev ir.ReviewEvent
	require.NoError(t, decode(last.Result, &ev))
	assert.True(t, ev.Decision.Approved)
	assert.Empty(t, ev.Decision.Feedback)
}

func TestSubmitReview_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	e := newTestEngine(t, s, testutil.NewScriptedActivities())
	id, _ := driveTo(t, e)
	n := len(historyOf(t, s, id))

	const submitters = 8
	errs := make([]error, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := approve()
			if i%2 == 1 {
				d = reject("rename amount to total")
			}
			errs[i] = e.SubmitReview(ctx, id, d)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, IsStaleReview(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, historyOf(t, s, id), n+1)
}

func TestSubmitReview_ConcurrentAcrossEngines(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	e1 := newTestEngine(t, s, testutil.NewScriptedActivities())
	id, _ := driveTo(t, e1)
	e2 := newTestEngine(t, s, testutil.NewScriptedActivities())

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, e := range []*Engine{e1, e2} {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			errs[i] = e.SubmitReview(ctx, id, approve())
		}(i, e)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case IsStaleReview(err):
			stale++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, stale)
}
