package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/transformflow/internal/engine"
	"github.com/roach88/transformflow/internal/ir"
	"github.com/roach88/transformflow/internal/store"
)

// ReplayInstanceResult is the replay outcome of one instance.
type ReplayInstanceResult struct {
	InstanceID    string    `json:"instance_id"`
	Entries       int64     `json:"entries"`
	Phase         ir.Phase  `json:"phase"`
	Status        ir.Status `json:"status"`
	Deterministic bool      `json:"deterministic"`
	Matches       bool      `json:"matches_snapshot"`
	Code          string    `json:"code,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Instances []ReplayInstanceResult `json:"instances"`
	Total     int                    `json:"total"`
	AllOK     bool                   `json:"all_ok"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay [instance-id]",
		Short: "Replay history and verify determinism",
		Long: `Fold an instance's recorded history without running any activity,
verify every entry against what the engine would issue, and compare the
result with the stored snapshot. Without an id every instance is replayed.

Exit codes:
  0 - Every history replays and matches its snapshot
  1 - Non-deterministic or corrupt history, or a snapshot mismatch
  2 - Command error (unknown instance, database not found, etc.)

Examples:
  transformd replay --db ./transformflow.db 0193a4b2-...
  transformd replay --db ./transformflow.db --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runReplay(rootOpts, id, cmd)
		},
	}
}

func runReplay(opts *RootOptions, id string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	out := opts.formatter(cmd)
	e := engine.New(st, nil, engine.WithPolicy(policy(cfg)))

	ids := []string{id}
	if id == "" {
		insts, err := st.ListInstances(ctx, store.ListFilter{})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list instances", err)
		}
		ids = ids[:0]
		for i := len(insts) - 1; i >= 0; i-- {
			ids = append(ids, insts[i].ID)
		}
	}

	result := ReplayResult{Instances: []ReplayInstanceResult{}, Total: len(ids), AllOK: true}
	for _, iid := range ids {
		r, err := replayInstance(ctx, e, iid)
		if err != nil {
			return out.RuntimeError(err)
		}
		out.VerboseLog("replayed %s: %d entries", iid, r.Entries)
		result.Instances = append(result.Instances, r)
		if !r.Deterministic || !r.Matches {
			result.AllOK = false
		}
	}

	if out.IsJSON() {
		if err := out.Success(result); err != nil {
			return err
		}
	} else {
		writeReplay(cmd.OutOrStdout(), result)
	}
	if !result.AllOK {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}

// replayInstance folds one instance. Only errors other than a divergent
// history are returned.
func replayInstance(ctx context.Context, e *engine.Engine, id string) (ReplayInstanceResult, error) {
	inst, err := e.Status(ctx, id)
	if err != nil {
		return ReplayInstanceResult{}, err
	}
	r := ReplayInstanceResult{InstanceID: id}

	s, err := e.Replay(ctx, id)
	if engine.IsNonDeterministic(err) || engine.IsCorruptHistory(err) {
		var rerr *engine.RuntimeError
		if errors.As(err, &rerr) {
			r.Code = string(rerr.Code)
		}
		r.Error = err.Error()
		return r, nil
	}
	if err != nil {
		return ReplayInstanceResult{}, err
	}

	r.Deterministic = true
	r.Entries = s.Seq
	r.Phase = s.Phase
	r.Status = s.Status
	r.Matches = snapshotMatches(s.Snapshot(inst), inst)
	if !r.Matches {
		r.Error = fmt.Sprintf("stored snapshot is %s/%s, history folds to %s/%s",
			inst.Phase, inst.Status, s.Phase, s.Status)
	}
	return r, nil
}

func snapshotMatches(replayed, stored ir.Instance) bool {
	return replayed.Phase == stored.Phase &&
		replayed.Status == stored.Status &&
		replayed.PendingEvent == stored.PendingEvent &&
		replayed.PlanVersion == stored.PlanVersion &&
		replayed.Attempt == stored.Attempt &&
		replayed.Error == stored.Error &&
		(replayed.Artifact == nil) == (stored.Artifact == nil)
}

func writeReplay(w io.Writer, result ReplayResult) {
	if result.Total == 0 {
		fmt.Fprintln(w, "No instances found in database.")
		return
	}
	fmt.Fprintf(w, "Replayed %d instance(s)\n\n", result.Total)
	for _, r := range result.Instances {
		switch {
		case !r.Deterministic:
			fmt.Fprintf(w, "  %s  FAIL  %s\n", r.InstanceID, r.Error)
		case !r.Matches:
			fmt.Fprintf(w, "  %s  MISMATCH  %s\n", r.InstanceID, r.Error)
		default:
			fmt.Fprintf(w, "  %s  ok  %d entries  %s/%s\n", r.InstanceID, r.Entries, r.Phase, r.Status)
		}
	}
	fmt.Fprintln(w)
	if result.AllOK {
		fmt.Fprintln(w, "All histories are deterministic.")
	} else {
		fmt.Fprintln(w, "Replay verification FAILED.")
	}
}
