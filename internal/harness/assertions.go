package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/transformflow/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %v\n", event.Seq, event.Kind, event.Name, event.Input)
		}
	}
	return buf.String()
}

// assertTraceContains checks if the trace contains an entry matching the
// specified action and input (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	expected, err := normalize(assertion.Args)
	if err != nil {
		return fmt.Errorf("trace_contains: %w", err)
	}
	for _, event := range trace {
		if event.Name == assertion.Action && matchSubset(event.Input, expected) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening actions are allowed).
// Each expected action matches the first occurrence after the previous match,
// so a repeated name such as "review" can be listed more than once.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, action := range assertion.Actions {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Name == action {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual:   fmt.Sprintf("%s not found after the preceding actions", action),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Name == assertion.Action {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares expected fields against the final instance in
// its JSON form. Nested objects match as subsets.
func assertFinalState(final ir.Instance, assertion Assertion) error {
	var actual map[string]any
	data, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}
	if err := json.Unmarshal(data, &actual); err != nil {
		return fmt.Errorf("final_state: %w", err)
	}

	expected, err := normalize(assertion.Expect)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}
	for key, want := range expected {
		got, ok := actual[key]
		if !ok && want == nil {
			continue
		}
		if !ok || !valuesMatch(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s = %v", key, want),
				Actual:   fmt.Sprintf("%s = %v", key, got),
			}
		}
	}
	return nil
}

// assertMessageContains checks that some audit message contains the text.
func assertMessageContains(msgs []ir.Message, assertion Assertion) error {
	for _, m := range msgs {
		if assertion.Role != "" && string(m.Role) != assertion.Role {
			continue
		}
		if assertion.Phase != "" && string(m.Phase) != assertion.Phase {
			continue
		}
		if strings.Contains(m.Content, assertion.Text) {
			return nil
		}
	}

	var lines []string
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s/%s: %q", m.Role, m.Phase, firstLine(m.Content)))
	}
	return &AssertionError{
		Type:     AssertMessageContains,
		Expected: fmt.Sprintf("message containing %q", assertion.Text),
		Actual:   "not found in " + strings.Join(lines, ", "),
	}
}

// normalize round-trips v through JSON so YAML-decoded values compare equal
// to JSON-decoded ones (ints become float64, and so on).
func normalize(v map[string]any) (map[string]any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// matchSubset checks if actual contains all expected keys (subset match).
// Extra keys in actual are ignored.
func matchSubset(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !valuesMatch(got, want) {
			return false
		}
	}
	return true
}

// valuesMatch compares normalized values. Objects match as subsets.
func valuesMatch(actual, expected any) bool {
	if want, ok := expected.(map[string]any); ok {
		got, ok := actual.(map[string]any)
		return ok && matchSubset(got, want)
	}
	return reflect.DeepEqual(actual, expected)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result.Final, assertion)
		case AssertMessageContains:
			err = assertMessageContains(result.Messages, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
