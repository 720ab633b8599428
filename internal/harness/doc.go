// Package harness runs workflow scenarios against the real engine.
//
// A scenario submits one request, scripts what each activity returns and
// answers every review gate from a list of decisions. The harness drives
// the instance to completion (or until the decisions run out), then checks
// the recorded history, the audit trail and the final snapshot.
//
// # Scenario Format
//
//	name: plan_revision
//	description: "Reviewer rejects the first plan"
//	request:
//	  client_id: acme
//	  mapping_ref: mappings/acme.xlsx
//	  data_ref: data/acme.csv
//	executions:
//	  - error_log: "KeyError: 'amount'"
//	  - success: true
//	reviews:
//	  - approve: false
//	    feedback: keep the currency column
//	  - approve: true
//	  - approve: true
//	assertions:
//	  - type: trace_count
//	    action: revise-plan
//	    count: 1
//	  - type: final_state
//	    expect: { phase: completed, plan_version: 2 }
//
// # Assertion Types
//
//   - trace_contains: an activity or event appears with matching input
//   - trace_order: activities appear in the given relative order
//   - trace_count: an activity or event appears exactly N times
//   - final_state: fields of the final instance snapshot
//   - message_contains: an audit message contains the given text
//
// # Determinism
//
// Every run uses a fresh in-memory store, a stepping clock starting at
// 2026-03-01 09:30:00 UTC and sequential instance ids, so traces and audit
// trails are byte-stable and can be compared against golden files. After
// the run the harness replays the history and fails the scenario if replay
// does not reproduce the stored snapshot.
package harness
