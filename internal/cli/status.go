package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/transformflow/internal/ir"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show an instance's phase and status",
		Long: `Show the stored snapshot of one instance.

Exit codes:
  0 - Instance found
  2 - Command error (unknown instance, database not found, etc.)

Examples:
  transformd status --db ./transformflow.db 0193a4b2-...
  transformd status 0193a4b2-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, args[0], cmd)
		},
	}
}

func runStatus(opts *RootOptions, id string, cmd *cobra.Command) error {
	e, closeFn, err := readOnlyEngine(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	out := opts.formatter(cmd)
	inst, err := e.Status(cmd.Context(), id)
	if err != nil {
		return out.RuntimeError(err)
	}
	if out.IsJSON() {
		return out.Success(inst)
	}
	writeInstance(cmd.OutOrStdout(), inst)
	return nil
}

func writeInstance(w io.Writer, inst ir.Instance) {
	fmt.Fprintf(w, "Instance:  %s\n", inst.ID)
	fmt.Fprintf(w, "Client:    %s\n", inst.Request.ClientID)
	fmt.Fprintf(w, "Phase:     %s\n", inst.Phase)
	fmt.Fprintf(w, "Status:    %s\n", inst.Status)
	if inst.PendingEvent != "" {
		fmt.Fprintf(w, "Waiting:   %s\n", inst.PendingEvent)
	}
	if inst.PlanVersion > 0 {
		fmt.Fprintf(w, "Plan:      v%d\n", inst.PlanVersion)
	}
	if inst.Attempt > 0 {
		fmt.Fprintf(w, "Attempt:   %d\n", inst.Attempt)
	}
	fmt.Fprintf(w, "Output:    %s\n", inst.OutputRef)
	if inst.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", inst.Error)
	}
}
