package engine

import (
	"fmt"
	"strings"

	"github.com/roach88/transformflow/internal/ir"
)

// DefaultMaxAttempts is the default execution attempt budget.
const DefaultMaxAttempts = 5

// RetryStep is the next activity of the execute/check/repair loop.
type RetryStep string

const (
	StepExecute   RetryStep = "execute"
	StepIntegrity RetryStep = "integrity"
	StepRepair    RetryStep = "repair"
)

// retryOutcome is what the controller decides after one step.
type retryOutcome struct {
	// Next is the following step when the loop continues.
	Next RetryStep
	// Passed means the attempt succeeded end to end.
	Passed bool
	// Exhausted means the budget is spent; Failure is the terminal text.
	Exhausted bool
	Failure   string
	// ErrorLog is the text handed to repair when Next is StepRepair.
	ErrorLog string
}

// retryController bounds the execute/check/repair loop. Execution and
// integrity failures draw from one shared budget of maxAttempts.
type retryController struct {
	maxAttempts int
}

func newRetryController(maxAttempts int) retryController {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return retryController{maxAttempts: maxAttempts}
}

// afterExecute decides what follows execution attempt n.
func (r retryController) afterExecute(n int, res ir.ExecutionResult) retryOutcome {
	if res.Success {
		return retryOutcome{Next: StepIntegrity}
	}
	if n < r.maxAttempts {
		return retryOutcome{Next: StepRepair, ErrorLog: res.ErrorLog}
	}
	return retryOutcome{
		Exhausted: true,
		Failure:   fmt.Sprintf("Transformation failed after %d attempts. Error: %s", n, res.ErrorLog),
	}
}

// afterIntegrity decides what follows the integrity check of attempt n.
func (r retryController) afterIntegrity(n int, rep ir.IntegrityReport) retryOutcome {
	if rep.Passed {
		return retryOutcome{Passed: true}
	}
	reasons := strings.Join(rep.FailureReasons, "; ")
	if n < r.maxAttempts {
		return retryOutcome{Next: StepRepair, ErrorLog: "Integrity check failures: " + reasons}
	}
	return retryOutcome{
		Exhausted: true,
		Failure:   fmt.Sprintf("Integrity checks failed after %d attempts: %s", n, reasons),
	}
}

// attemptNote is the audit line opening attempt n.
func (r retryController) attemptNote(n int) string {
	return fmt.Sprintf("Executing transformation (attempt %d/%d)...", n, r.maxAttempts)
}
