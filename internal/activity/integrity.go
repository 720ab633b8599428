package activity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/transformflow/internal/ir"
)

// IntegrityChecker runs the deterministic output checks.
type IntegrityChecker struct {
	summaries SummarySource
}

// NewIntegrityChecker creates a checker reading summaries from src.
func NewIntegrityChecker(src SummarySource) *IntegrityChecker {
	return &IntegrityChecker{summaries: src}
}

// CheckIntegrity implements the check-integrity activity. An unreadable
// output is a failed check; a transient read error is returned as is.
func (c *IntegrityChecker) CheckIntegrity(ctx context.Context, _ Call, in ir.CheckIntegrityInput) (ir.IntegrityReport, error) {
	summary, err := c.summaries.Summary(ctx, in.OutputRef)
	if IsTransient(err) {
		return ir.IntegrityReport{}, err
	}
	if err != nil {
		return ir.IntegrityReport{FailureReasons: []string{"Failed to read output: " + err.Error()}}, nil
	}
	return Evaluate(summary, in.ExpectedColumns), nil
}

// Evaluate applies the integrity rules to an output summary:
//   - the output has at least one row
//   - every expected column is present
//   - no column is entirely null in the sample
//   - the sample has no duplicate rows
func Evaluate(s ir.OutputSummary, expected []string) ir.IntegrityReport {
	var reasons []string

	if s.RowCount <= 0 {
		reasons = append(reasons, fmt.Sprintf("Output has %d rows", s.RowCount))
	}

	if len(expected) > 0 {
		have := make(map[string]bool, len(s.Columns))
		for _, c := range s.Columns {
			have[c] = true
		}
		var missing []string
		for _, c := range expected {
			if !have[c] {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			reasons = append(reasons, "Missing columns: "+strings.Join(missing, ", "))
		}
	}

	if len(s.SampleRows) > 0 {
		for _, col := range s.Columns {
			allNull := true
			for _, row := range s.SampleRows {
				if v, ok := row[col]; ok && v != nil {
					allNull = false
					break
				}
			}
			if allNull {
				reasons = append(reasons, fmt.Sprintf("Column '%s' is entirely null", col))
			}
		}

		seen := make(map[string]bool, len(s.SampleRows))
		dups := 0
		for _, row := range s.SampleRows {
			k := rowKey(row)
			if seen[k] {
				dups++
			}
			seen[k] = true
		}
		if dups > 0 {
			reasons = append(reasons, fmt.Sprintf("%d duplicate rows in sample", dups))
		}
	}

	return ir.IntegrityReport{Passed: len(reasons) == 0, FailureReasons: reasons}
}

// rowKey renders a row with sorted keys, distinguishing null from "".
func rowKey(row map[string]*string) string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var b strings.Builder
	for _, c := range cols {
		b.WriteString(fmt.Sprintf("%q=", c))
		if v := row[c]; v != nil {
			b.WriteString(fmt.Sprintf("%q", *v))
		} else {
			b.WriteString("null")
		}
		b.WriteByte(';')
	}
	return b.String()
}
