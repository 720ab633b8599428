package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/transformflow/internal/ir"
)

// NewMessagesCommand creates the messages command.
func NewMessagesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "messages <instance-id>",
		Short: "Print an instance's audit trail",
		Long: `Print the audit messages of one instance in order.

Examples:
  transformd messages --db ./transformflow.db 0193a4b2-...
  transformd messages 0193a4b2-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessages(rootOpts, args[0], cmd)
		},
	}
}

func runMessages(opts *RootOptions, id string, cmd *cobra.Command) error {
	e, closeFn, err := readOnlyEngine(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	out := opts.formatter(cmd)
	msgs, err := e.Messages(cmd.Context(), id)
	if err != nil {
		return out.RuntimeError(err)
	}
	if msgs == nil {
		msgs = []ir.Message{}
	}
	if out.IsJSON() {
		return out.Success(msgs)
	}

	w := cmd.OutOrStdout()
	for _, m := range msgs {
		fmt.Fprintf(w, "%s  %-8s  %-24s  %s\n", m.Timestamp.Format(time.RFC3339), m.Role, m.Phase, m.Content)
	}
	return nil
}
