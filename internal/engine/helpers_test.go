package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/transformflow/internal/ir"
	"github.com/roach88/transformflow/internal/store"
	"github.com/roach88/transformflow/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// testOutputRef is the output ref of the first instance an engine built by
// newTestEngine creates.
const testOutputRef = "acme/20260301_093000"

func testRequest() ir.Request {
	return ir.Request{
		ClientID:        "acme",
		MappingRef:      "mappings/acme.xlsx",
		DataRef:         "data/acme.csv",
		ExpectedColumns: []string{"id", "amount"},
	}
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestEngine builds an engine with a stepping clock and sequential ids.
func newTestEngine(t *testing.T, s Store, acts *testutil.ScriptedActivities, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithClock(testutil.NewStepClock(testEpoch, time.Second)),
		WithIDGenerator(testutil.NewSequenceGenerator("inst")),
	}
	return New(s, acts, append(base, opts...)...)
}

func approve() ir.ReviewDecision { return ir.ReviewDecision{Approved: true} }

func reject(feedback string) ir.ReviewDecision {
	return ir.ReviewDecision{Approved: false, Feedback: feedback}
}

// runToEnd drives id and answers reviews from decisions until it is
// terminal. Decisions are consumed only when a submission succeeds.
func runToEnd(t *testing.T, e *Engine, id string, decisions *[]ir.ReviewDecision) (ir.Instance, error) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		inst, err := e.Drive(ctx, id)
		if err != nil {
			return inst, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
		require.Equal(t, ir.EventReview, inst.PendingEvent, "drive returned without suspending")
		require.NotEmpty(t, *decisions, "ran out of review decisions in phase %s", inst.Phase)
		if err := e.SubmitReview(ctx, id, (*decisions)[0]); err != nil {
			return inst, err
		}
		*decisions = (*decisions)[1:]
	}
	t.Fatalf("instance %s did not finish", id)
	return ir.Instance{}, nil
}

// driveTo creates an instance and drives it to its first suspension.
func driveTo(t *testing.T, e *Engine) (string, ir.Instance) {
	t.Helper()
	ctx := context.Background()
	id, err := e.Create(ctx, testRequest())
	require.NoError(t, err)
	inst, err := e.Drive(ctx, id)
	require.NoError(t, err)
	return id, inst
}

func historyOf(t *testing.T, s *store.Store, id string) []ir.HistoryEntry {
	t.Helper()
	h, err := s.History(context.Background(), id)
	require.NoError(t, err)
	return h
}

func keys(calls []testutil.RecordedCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Call.Key
	}
	return out
}

var errCrash = errors.New("simulated crash")

// crashingStore fails the crashAt-th commit, as if the process died after
// the activity ran but before its result was recorded.
type crashingStore struct {
	*store.Store

	mu      sync.Mutex
	commits int
	crashAt int
}

func (c *crashingStore) Commit(ctx context.Context, t store.Transition) (int64, error) {
	c.mu.Lock()
	c.commits++
	n := c.commits
	c.mu.Unlock()
	if n == c.crashAt {
		return 0, errCrash
	}
	return c.Store.Commit(ctx, t)
}
