package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/transformflow/internal/ir"
)

var testEpoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// createTestStore opens a fresh database under t.TempDir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestInstance inserts a pending instance with one opening message.
func createTestInstance(t *testing.T, s *Store, id string) ir.Instance {
	t.Helper()
	inst := ir.Instance{
		ID: id,
		Request: ir.Request{
			ClientID:   "acme",
			MappingRef: "mappings/acme.xlsx",
			DataRef:    "data/acme.csv",
		},
		Phase:     ir.PhaseChangeDetection,
		Status:    ir.StatusPending,
		OutputRef: "acme/20260301_093000",
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	msg := testMessage(id+"-m0", ir.PhaseChangeDetection, "created", testEpoch)
	require.NoError(t, s.CreateInstance(context.Background(), inst, []ir.Message{msg}))
	return inst
}

// testEntry builds a history entry with a valid call key.
func testEntry(instanceID string, seq int64, name string, input, result any) ir.HistoryEntry {
	in, _ := json.Marshal(input)
	out, _ := json.Marshal(result)
	digest := ir.MustInputDigest(input)
	return ir.HistoryEntry{
		InstanceID:  instanceID,
		Seq:         seq,
		Kind:        ir.EntryActivity,
		Name:        name,
		CallKey:     ir.MustCallKey(instanceID, seq, name, digest),
		InputDigest: digest,
		Input:       in,
		Result:      out,
		RecordedAt:  testEpoch.Add(time.Duration(seq) * time.Second),
	}
}

func testMessage(id string, phase ir.Phase, content string, at time.Time) ir.Message {
	return ir.Message{
		ID:        id,
		Role:      ir.RoleAgent,
		Phase:     phase,
		Content:   content,
		Timestamp: at,
	}
}

// advance commits a transition moving inst to phase with one history entry.
func advance(t *testing.T, s *Store, inst ir.Instance, phase ir.Phase, seq int64) ir.Instance {
	t.Helper()
	next := inst
	next.Phase = phase
	next.Status = ir.StatusRunning
	next.UpdatedAt = testEpoch.Add(time.Duration(seq) * time.Second)

	entry := testEntry(inst.ID, seq, fmt.Sprintf("step-%d", seq), map[string]any{"seq": seq}, ir.Ack{OK: true})
	msg := testMessage(fmt.Sprintf("%s-m%d", inst.ID, seq), phase, fmt.Sprintf("entered %s", phase), next.UpdatedAt)

	version, err := s.Commit(context.Background(), Transition{Instance: next, Entry: entry, Messages: []ir.Message{msg}})
	require.NoError(t, err)
	next.Version = version
	return next
}
