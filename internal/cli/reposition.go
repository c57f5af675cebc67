package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/model"
)

// RepositionOptions holds flags for the reposition command.
type RepositionOptions struct {
	*RootOptions
	Tenant    string
	Scope     string
	Processor string
	Stream    string
	Position  int64
	Partition string
	RetryNow  bool
}

// RepositionResult is the JSON payload of the reposition command.
type RepositionResult struct {
	ID     model.StreamProcessorID `json:"id"`
	Action string                  `json:"action"`
	State  model.State             `json:"state"`
}

// NewRepositionCommand creates the reposition command.
func NewRepositionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RepositionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reposition",
		Short: "Move a stream processor or release a failing partition",
		Long: `Edit the persisted state of a stream processor.

With --position, the processor resumes at that stream position and an
unpartitioned failure is cleared. With --partition, the failing entry of
the partition is removed, abandoning its backlog; add --retry-now to keep
the entry and make it due immediately instead.

A running processor picks the change up on its next state reload.

Example:
  eventcore reposition --processor audit --stream orders --position 42
  eventcore reposition --processor audit --stream carts --partition cart-7 --retry-now`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReposition(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (default: first configured tenant)")
	cmd.Flags().StringVar(&opts.Scope, "scope", string(model.DefaultScope), "scope id")
	cmd.Flags().StringVar(&opts.Processor, "processor", "", "event processor id (required)")
	cmd.Flags().StringVar(&opts.Stream, "stream", "", "source stream id (required)")
	cmd.Flags().Int64Var(&opts.Position, "position", -1, "new stream position")
	cmd.Flags().StringVar(&opts.Partition, "partition", "", "failing partition to release")
	cmd.Flags().BoolVar(&opts.RetryNow, "retry-now", false, "retry the failing partition immediately instead of clearing it")
	_ = cmd.MarkFlagRequired("processor")
	_ = cmd.MarkFlagRequired("stream")

	return cmd
}

func runReposition(opts *RepositionOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	hasPosition := opts.Position >= 0
	hasPartition := opts.Partition != ""
	if hasPosition == hasPartition {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidArgs, "exactly one of --position or --partition is required", nil)
	}
	if opts.RetryNow && !hasPartition {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidArgs, "--retry-now requires --partition", nil)
	}

	cfg, st, err := openStore(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	states := st.States(tenantOrDefault(opts.Tenant, cfg))
	id := model.NewStreamProcessorID(model.ScopeID(opts.Scope), model.EventProcessorID(opts.Processor), model.StreamID(opts.Stream))
	ctx := cmd.Context()

	var action string
	switch {
	case hasPosition:
		action = fmt.Sprintf("repositioned to %d", opts.Position)
		err = states.Reposition(ctx, id, model.StreamPosition(opts.Position))
	case opts.RetryNow:
		action = fmt.Sprintf("partition %s due for retry", opts.Partition)
		err = states.RetryFailingPartitionNow(ctx, id, model.PartitionID(opts.Partition), time.Now().UTC())
	default:
		action = fmt.Sprintf("partition %s cleared", opts.Partition)
		err = states.ClearFailingPartition(ctx, id, model.PartitionID(opts.Partition))
	}
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeStore, "failed to update state", err)
	}

	state, _, err := states.Get(ctx, id)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeStore, "failed to read state", err)
	}

	if opts.Format == "json" {
		return formatter.Success(RepositionResult{ID: id, Action: action, State: state})
	}
	fmt.Fprintf(formatter.Writer, "✓ %s %s\n", id.EventProcessor, action)
	return nil
}
