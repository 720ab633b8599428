package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/transformflow/internal/ir"
	"github.com/roach88/transformflow/internal/store"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	ClientID string
	Status   string
	Limit    int
}

var listStatuses = []ir.Status{ir.StatusPending, ir.StatusRunning, ir.StatusCompleted, ir.StatusFailed}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances, newest first",
		Long: `List stored instances, newest first.

Examples:
  transformd list --db ./transformflow.db
  transformd list --client acme --status failed --limit 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ClientID, "client", "", "only instances of this client")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only instances with this status (pending|running|completed|failed)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum instances to list (0 for all)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	filter := store.ListFilter{ClientID: opts.ClientID, Status: ir.Status(opts.Status), Limit: opts.Limit}
	if opts.Status != "" && !validStatus(filter.Status) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	insts, err := st.ListInstances(cmd.Context(), filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list instances", err)
	}

	out := opts.formatter(cmd)
	if out.IsJSON() {
		return out.Success(insts)
	}

	w := cmd.OutOrStdout()
	if len(insts) == 0 {
		fmt.Fprintln(w, "No instances found.")
		return nil
	}
	for _, inst := range insts {
		fmt.Fprintf(w, "%s  %-12s  %-10s  %s\n", inst.ID, inst.Request.ClientID, inst.Status, inst.Phase)
	}
	return nil
}

func validStatus(s ir.Status) bool {
	for _, v := range listStatuses {
		if v == s {
			return true
		}
	}
	return false
}
