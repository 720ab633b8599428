package engine

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator generates instance ids.
// Implemented by UUIDv7Generator; tests use testutil.SequenceGenerator.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 instance ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so instance ids
// sort by creation time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// messageID derives the id of the i-th audit message written with history
// entry seq. Seq 0 is instance creation. Ids are stable across retries of
// the same commit.
func messageID(instanceID string, seq int64, i int) string {
	name := fmt.Sprintf("%s/%d/%d", instanceID, seq, i)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
