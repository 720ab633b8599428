package activity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transformflow/internal/ir"
	"github.com/roach88/transformflow/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, root, ref, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(ref))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func detectInput() ir.DetectChangeInput {
	return ir.DetectChangeInput{ClientID: "acme", MappingRef: "mappings/acme.xlsx", DataRef: "data/acme.csv"}
}

func TestFileFingerprinter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "mappings/acme.xlsx", "id -> id\namount -> total")
	writeFile(t, root, "data/acme.csv", "id,amount\n1,10\n")
	fp := FileFingerprinter{Root: root}
	ctx := context.Background()

	fingerprint := func() string {
		t.Helper()
		sum, err := fp.Fingerprint(ctx, "mappings/acme.xlsx", "data/acme.csv")
		require.NoError(t, err)
		return sum
	}

	a := fingerprint()
	assert.Equal(t, a, fingerprint())
	assert.Len(t, a, 64)

	// A new drop with the same columns and kinds keeps the fingerprint.
	writeFile(t, root, "data/acme.csv", "\ufeffid,amount\n7,11\n8,\n9,12\n")
	assert.Equal(t, a, fingerprint())

	tests := []struct {
		name    string
		mapping string
		data    string
	}{
		{"column added", "id -> id\namount -> total", "id,amount,currency\n1,10,EUR\n"},
		{"column renamed", "id -> id\namount -> total", "id,total\n1,10\n"},
		{"kind widened", "id -> id\namount -> total", "id,amount\n1,10.5\n"},
		{"kind changed", "id -> id\namount -> total", "id,amount\n1,ten\n"},
		{"mapping edited", "id -> id\namount -> amount", "id,amount\n1,10\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFile(t, root, "mappings/acme.xlsx", tt.mapping)
			writeFile(t, root, "data/acme.csv", tt.data)
			assert.NotEqual(t, a, fingerprint())
		})
	}
}

func TestFileFingerprinter_OtherDataDigestsBytes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "mappings/acme.xlsx", "id -> id")
	writeFile(t, root, "data/acme.json", `[{"id":1}]`)
	fp := FileFingerprinter{Root: root}
	ctx := context.Background()

	a, err := fp.Fingerprint(ctx, "mappings/acme.xlsx", "data/acme.json")
	require.NoError(t, err)

	writeFile(t, root, "data/acme.json", `[{"id":2}]`)
	b, err := fp.Fingerprint(ctx, "mappings/acme.xlsx", "data/acme.json")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFileFingerprinter_TSV(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "mappings/acme.xlsx", "id -> id")
	writeFile(t, root, "data/acme.tsv", "id\tnote\n1\ta, b\n")
	fp := FileFingerprinter{Root: root}
	ctx := context.Background()

	a, err := fp.Fingerprint(ctx, "mappings/acme.xlsx", "data/acme.tsv")
	require.NoError(t, err)

	writeFile(t, root, "data/acme.tsv", "id\tnote\n2\tc\n")
	b, err := fp.Fingerprint(ctx, "mappings/acme.xlsx", "data/acme.tsv")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestColumnKinds(t *testing.T) {
	tests := []struct {
		values []string
		want   columnKind
	}{
		{nil, kindEmpty},
		{[]string{"", " "}, kindEmpty},
		{[]string{"1", "", "-4"}, kindInteger},
		{[]string{"1", "2.5"}, kindNumber},
		{[]string{"true", "false"}, kindBool},
		{[]string{"1", "true"}, kindText},
		{[]string{"2026-03-01"}, kindText},
	}
	for _, tt := range tests {
		k := kindEmpty
		for _, v := range tt.values {
			k = k.merge(kindOf(v))
		}
		assert.Equal(t, tt.want, k, "values %q", tt.values)
	}
}

func TestFileFingerprinter_Errors(t *testing.T) {
	root := t.TempDir()
	fp := FileFingerprinter{Root: root}
	ctx := context.Background()

	_, err := fp.Fingerprint(ctx, "missing.xlsx", "data.csv")
	assert.Error(t, err)

	writeFile(t, root, "mapping.xlsx", "id -> id")
	writeFile(t, root, "empty.csv", "")
	_, err = fp.Fingerprint(ctx, "mapping.xlsx", "empty.csv")
	assert.ErrorContains(t, err, "no header row")

	// Leading slashes and dot-dots stay inside the root.
	writeFile(t, root, "etc/passwd", "inside")
	writeFile(t, root, "data.csv", "x")
	_, err = fp.Fingerprint(ctx, "../../etc/passwd", "/data.csv")
	assert.NoError(t, err)
}

func TestChangeDetector(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "mappings/acme.xlsx", "id -> id")
	writeFile(t, root, "data/acme.csv", "id\n1\n")
	fp := FileFingerprinter{Root: root}
	s := setupTestStore(t)
	d := NewChangeDetector(s, fp, nil)

	rep, err := d.DetectChange(ctx, testCall, detectInput())
	require.NoError(t, err)
	assert.True(t, rep.NeedsRegeneration)
	assert.Equal(t, ReasonNoArtifact, rep.Reason)
	assert.Nil(t, rep.Existing)
	require.NotEmpty(t, rep.Fingerprint)

	art := ir.Artifact{
		ClientID:    "acme",
		Plan:        ir.Plan{Version: 2, Summary: "s", Steps: []ir.Step{{Description: "a"}}},
		Code:        `write("acme/20260101_000000")`,
		OutputRef:   "acme/20260101_000000",
		Fingerprint: rep.Fingerprint,
		InstanceID:  "inst-0",
		ApprovedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveArtifact(ctx, art))

	rep, err = d.DetectChange(ctx, testCall, detectInput())
	require.NoError(t, err)
	assert.False(t, rep.NeedsRegeneration)
	assert.Equal(t, ReasonUnchanged, rep.Reason)
	require.NotNil(t, rep.Existing)
	assert.Equal(t, art.Code, rep.Existing.Code)

	// Fresh rows under the same header still reuse the artifact.
	writeFile(t, root, "data/acme.csv", "id\n2\n3\n")
	rep, err = d.DetectChange(ctx, testCall, detectInput())
	require.NoError(t, err)
	assert.False(t, rep.NeedsRegeneration)

	writeFile(t, root, "data/acme.csv", "id,amount\n2,5\n")
	rep, err = d.DetectChange(ctx, testCall, detectInput())
	require.NoError(t, err)
	assert.True(t, rep.NeedsRegeneration)
	assert.Equal(t, ReasonChanged, rep.Reason)
	assert.Nil(t, rep.Existing)
}

func TestChangeDetector_WithoutFingerprinterNeverReuses(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.SaveArtifact(ctx, ir.Artifact{ClientID: "acme", InstanceID: "inst-0", ApprovedAt: time.Now()}))

	rep, err := NewChangeDetector(s, nil, nil).DetectChange(ctx, testCall, detectInput())
	require.NoError(t, err)
	assert.True(t, rep.NeedsRegeneration)
	assert.Equal(t, ReasonChanged, rep.Reason)
}

func TestChangeDetector_MissingInputs(t *testing.T) {
	d := NewChangeDetector(setupTestStore(t), FileFingerprinter{Root: t.TempDir()}, nil)
	_, err := d.DetectChange(context.Background(), testCall, detectInput())
	assert.Error(t, err)
}
