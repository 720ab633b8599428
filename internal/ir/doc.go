// Package ir provides the canonical domain types for transformflow.
//
// This package contains type definitions, canonical JSON encoding and
// content-addressed key derivation. All other internal packages import ir;
// ir imports nothing internal.
//
// Key design constraints:
//   - No floats in anything that is digested; numbers are int or int64
//   - All JSON tags use snake_case
//   - History ordering uses seq (dense, 1-based), never wall-clock time
package ir
