package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Tenant string
}

// StatusResult is the JSON payload of the status command.
type StatusResult struct {
	Tenant     model.TenantID      `json:"tenant"`
	Processors []store.StoredState `json:"processors"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted stream processor state",
		Long: `List the persisted state of every stream processor of a tenant.

Shows the stream position, and for failing processors the failure reason,
attempt count and next retry time.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (default: first configured tenant)")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, st, err := openStore(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	tenant := tenantOrDefault(opts.Tenant, cfg)
	states, err := st.States(tenant).List(cmd.Context())
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeStore, "failed to list states", err)
	}

	if opts.Format == "json" {
		if states == nil {
			states = []store.StoredState{}
		}
		return formatter.Success(StatusResult{Tenant: tenant, Processors: states})
	}

	if len(states) == 0 {
		fmt.Fprintf(formatter.Writer, "No stream processors for tenant %s.\n", tenant)
		return nil
	}
	for _, s := range states {
		writeStateText(formatter.Writer, s)
	}
	return nil
}

// writeStateText renders one stored state for humans.
func writeStateText(w io.Writer, s store.StoredState) {
	fmt.Fprintf(w, "%s %s <- %s\n", s.ID.Scope, s.ID.EventProcessor, s.ID.SourceStream)

	switch state := s.State.(type) {
	case model.UnpartitionedState:
		fmt.Fprintf(w, "  position: %d\n", state.Position)
		if state.IsFailing {
			fmt.Fprintf(w, "  failing: %s (attempts %d, retry %s)\n",
				state.FailureReason, state.ProcessingAttempts, formatRetry(state.RetryTime))
		}
	case model.PartitionedState:
		fmt.Fprintf(w, "  position: %d (partitioned)\n", state.Position)
		for _, p := range state.FailingPartitionIDs() {
			f, _ := state.FailingPartition(p)
			fmt.Fprintf(w, "  failing partition %s at %d: %s (attempts %d, retry %s)\n",
				p, f.Position, f.Reason, f.ProcessingAttempts, formatRetry(f.RetryTime))
		}
	}
}

func formatRetry(t time.Time) string {
	if model.IsNeverRetry(t) {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
