package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/store"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Tenant    string
	Scope     string
	Stream    string
	Partition string
	Type      string
	Content   string
	Source    string
	Public    bool
}

// AppendResult is the JSON payload of the append command.
type AppendResult struct {
	EventID          string               `json:"event_id"`
	Stream           model.StreamID       `json:"stream"`
	Position         model.StreamPosition `json:"position"`
	Partition        model.PartitionID    `json:"partition,omitempty"`
	EventLogSequence uint64               `json:"event_log_sequence"`
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an event to a stream",
		Long: `Append one event to the end of a stream.

Running processors of the same database file pick the event up on their
next poll; processors of this process are woken immediately.

Example:
  eventcore append --stream orders --type OrderPlaced --content '{"id":1}'
  eventcore append --stream carts --partition cart-7 --type ItemAdded`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (default: first configured tenant)")
	cmd.Flags().StringVar(&opts.Scope, "scope", string(model.DefaultScope), "scope id")
	cmd.Flags().StringVar(&opts.Stream, "stream", "", "stream id (required)")
	cmd.Flags().StringVar(&opts.Partition, "partition", "", "partition id; marks the event as belonging to a partitioned stream")
	cmd.Flags().StringVar(&opts.Type, "type", "", "event type (required)")
	cmd.Flags().StringVar(&opts.Content, "content", "{}", "event content as a JSON document")
	cmd.Flags().StringVar(&opts.Source, "source", "cli", "event source")
	cmd.Flags().BoolVar(&opts.Public, "public", false, "mark the event as public")
	_ = cmd.MarkFlagRequired("stream")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runAppend(opts *AppendOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, st, err := openStore(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	tenant := tenantOrDefault(opts.Tenant, cfg)
	appended, err := st.Events(tenant).Append(cmd.Context(), model.ScopeID(opts.Scope), model.StreamID(opts.Stream), []store.NewEvent{{
		Partition:   model.PartitionID(opts.Partition),
		Type:        opts.Type,
		Content:     opts.Content,
		EventSource: opts.Source,
		Public:      opts.Public,
	}})
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeStore, "failed to append event", err)
	}

	ev := appended[0]
	result := AppendResult{
		EventID:          ev.Event.EventID,
		Stream:           ev.StreamID,
		Position:         ev.Position,
		Partition:        ev.Partition,
		EventLogSequence: ev.Event.EventLogSequence,
	}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Appended %s to %s at position %d\n", result.EventID, result.Stream, result.Position)
	return nil
}
