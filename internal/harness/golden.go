package harness

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// messageIndent aligns continuation lines of multi-line messages with the
// content column of RenderTrace.
var messageIndent = strings.Repeat(" ", 38)

// RenderTrace renders a result as a stable plain-text audit trace: the
// final phase, the recorded history and every audit message. Timestamps
// and call keys are left out so the output only changes when behavior does.
func RenderTrace(scenarioName string, result *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", scenarioName)
	fmt.Fprintf(&buf, "instance: %s\n", result.InstanceID)
	fmt.Fprintf(&buf, "final: %s/%s\n", result.Final.Phase, result.Final.Status)
	if result.Final.Error != "" {
		fmt.Fprintf(&buf, "error: %s\n", result.Final.Error)
	}

	buf.WriteString("\nhistory:\n")
	for _, ev := range result.Trace {
		fmt.Fprintf(&buf, "  %2d  %-8s  %s", ev.Seq, ev.Kind, ev.Name)
		if ev.Error != "" {
			fmt.Fprintf(&buf, "  error=%s", ev.Error)
		}
		buf.WriteByte('\n')
	}

	buf.WriteString("\nmessages:\n")
	for _, m := range result.Messages {
		lines := strings.Split(m.Content, "\n")
		fmt.Fprintf(&buf, "  %-8s  %-24s  %s\n", m.Role, m.Phase, lines[0])
		for _, line := range lines[1:] {
			fmt.Fprintf(&buf, "%s%s\n", messageIndent, line)
		}
	}
	return buf.Bytes()
}

// RunWithGolden executes a scenario and compares its audit trace against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, RenderTrace(scenarioName, result))
}
