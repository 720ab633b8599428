package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transformflow/internal/ir"
)

func TestMarshalJSON_NoHTMLEscaping(t *testing.T) {
	got, err := marshalJSON(map[string]string{"code": `if a < b && c > d { write("<out>") }`})
	require.NoError(t, err)
	assert.Equal(t, `{"code":"if a < b && c > d { write(\"<out>\") }"}`, got)
}

func TestMarshalJSON_NoTrailingNewline(t *testing.T) {
	got, err := marshalJSON([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", got)
}

func TestMarshalJSON_Unsupported(t *testing.T) {
	_, err := marshalJSON(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal map[string]interface {}")
}

func TestTimeRoundTripKeepsNanoseconds(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.FixedZone("CET", 3600))
	got, err := parseTime(formatTime(at))
	require.NoError(t, err)
	assert.True(t, at.Equal(got))
	assert.Equal(t, time.UTC, got.Location())

	_, err = parseTime("yesterday")
	require.Error(t, err)
}

func TestInstanceRoundTripWithArtifact(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	inst := createTestInstance(t, s, "inst-1")
	inst.Request.ExpectedColumns = nil

	next := inst
	next.Phase = ir.PhaseCompleted
	next.Status = ir.StatusCompleted
	next.PlanVersion = 2
	next.Attempt = 3
	next.Artifact = &ir.Artifact{
		ClientID: "acme",
		Plan: ir.Plan{
			Version: 2,
			Summary: "map <a> & <b>",
			Steps:   []ir.Step{{Description: "read data/acme.csv"}},
		},
		Code:       "write(\"acme/20260301_093000\")",
		OutputRef:  "acme/20260301_093000",
		InstanceID: "inst-1",
		ApprovedAt: testEpoch.Add(time.Minute),
	}
	_, err := s.Commit(ctx, Transition{
		Instance: next,
		Entry:    testEntry("inst-1", 1, ir.ActivityPersistArtifact, map[string]any{"client_id": "acme"}, ir.Ack{OK: true}),
	})
	require.NoError(t, err)

	got, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, ir.PhaseCompleted, got.Phase)
	assert.Equal(t, 2, got.PlanVersion)
	assert.Equal(t, 3, got.Attempt)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, inst.Request, got.Request)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, "map <a> & <b>", got.Artifact.Plan.Summary)
	assert.Equal(t, next.Artifact.Code, got.Artifact.Code)
	assert.True(t, next.Artifact.ApprovedAt.Equal(got.Artifact.ApprovedAt))
}
