package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputDigestDeterminism(t *testing.T) {
	in := PlanInput{ClientID: "acme", MappingRef: "m.xlsx", DataRef: "d.csv"}

	d1, err := InputDigest(in)
	require.NoError(t, err)
	d2, err := InputDigest(in)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64, "SHA-256 hex is 64 characters")
}

func TestInputDigestStructAndMapAgree(t *testing.T) {
	in := DetectChangeInput{ClientID: "acme", MappingRef: "m", DataRef: "d"}
	asMap := map[string]any{"client_id": "acme", "mapping_ref": "m", "data_ref": "d"}

	assert.Equal(t, MustInputDigest(in), MustInputDigest(asMap))
}

func TestInputDigestChangesWithInput(t *testing.T) {
	a := MustInputDigest(ExecuteInput{ClientID: "acme", Code: "x", Attempt: 1})
	b := MustInputDigest(ExecuteInput{ClientID: "acme", Code: "x", Attempt: 2})

	assert.NotEqual(t, a, b, "attempt index must be part of the digest")
}

func TestCallKeyChangesWithEachComponent(t *testing.T) {
	digest := MustInputDigest(ExecuteInput{ClientID: "acme", Code: "x", Attempt: 1})

	base := MustCallKey("inst-1", 5, ActivityExecute, digest)
	assert.Equal(t, base, MustCallKey("inst-1", 5, ActivityExecute, digest))

	assert.NotEqual(t, base, MustCallKey("inst-2", 5, ActivityExecute, digest))
	assert.NotEqual(t, base, MustCallKey("inst-1", 6, ActivityExecute, digest))
	assert.NotEqual(t, base, MustCallKey("inst-1", 5, ActivityRepair, digest))
	assert.NotEqual(t, base, MustCallKey("inst-1", 5, ActivityExecute, MustInputDigest("other")))
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`"same"`)

	assert.NotEqual(t, hashWithDomain(DomainInput, data), hashWithDomain(DomainCall, data))
}

func TestFingerprintOrderMatters(t *testing.T) {
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.NotEqual(t, Fingerprint("a", "b"), Fingerprint("b", "a"))
	assert.NotEqual(t, Fingerprint("ab"), Fingerprint("a", "b"))
}
