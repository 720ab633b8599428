package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainInput       = "transformflow/input/v1"
	DomainCall        = "transformflow/call/v1"
	DomainFingerprint = "transformflow/fingerprint/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// InputDigest computes the digest of an activity input or event payload.
// Two inputs digest equal iff their canonical JSON is byte-identical.
func InputDigest(input any) (string, error) {
	canonical, err := MarshalCanonical(input)
	if err != nil {
		return "", fmt.Errorf("InputDigest: %w", err)
	}
	return hashWithDomain(DomainInput, canonical), nil
}

// CallKey computes the content-addressed key of one history slot.
// The key is stable across restarts and replays for the same instance,
// position, activity and input, so adapters can use it as an idempotency key.
func CallKey(instanceID string, seq int64, name, inputDigest string) (string, error) {
	obj := map[string]any{
		"instance_id":  instanceID,
		"seq":          seq,
		"name":         name,
		"input_digest": inputDigest,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("CallKey: %w", err)
	}
	return hashWithDomain(DomainCall, canonical), nil
}

// Fingerprint digests an ordered list of parts, e.g. the content hash of a
// mapping spec followed by the columns of a data file.
func Fingerprint(parts ...string) string {
	list := make([]any, len(parts))
	for i, p := range parts {
		list[i] = p
	}
	// A list of strings always has a canonical form.
	return hashWithDomain(DomainFingerprint, MustMarshalCanonical(list))
}

// MustInputDigest is like InputDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustInputDigest(input any) string {
	d, err := InputDigest(input)
	if err != nil {
		panic(err)
	}
	return d
}

// MustCallKey is like CallKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustCallKey(instanceID string, seq int64, name, inputDigest string) string {
	k, err := CallKey(instanceID, seq, name, inputDigest)
	if err != nil {
		panic(err)
	}
	return k
}
