package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/store"
)

// QueueListOptions holds flags for queue list.
type QueueListOptions struct {
	*RootOptions
	Status   string
	Platform string
	SourceID string
	Limit    int
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the repost queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueCancelCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		Long: `List queue entries, most recently queued first.

Example:
  recast queue list --status failed
  recast queue list --platform youtube --limit 10 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (queued|processing|completed|failed|cancelled)")
	cmd.Flags().StringVar(&opts.Platform, "platform", "", "filter by target platform")
	cmd.Flags().StringVar(&opts.SourceID, "source", "", "filter by source content id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum entries to list")

	return cmd
}

type entryList []model.QueueEntry

func (l entryList) RenderText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No entries.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tPLATFORM\tSTATUS\tPRIORITY\tSCHEDULED\tRETRIES\tERROR")
	for _, e := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			e.ID, e.SourceContentID, e.TargetPlatform, e.Status, e.Priority,
			e.ScheduledFor.UTC().Format(time.RFC3339), e.RetryCount, e.ErrorMessage)
	}
	return tw.Flush()
}

func runQueueList(opts *QueueListOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	filter := store.EntryFilter{
		Platform: model.Platform(opts.Platform),
		SourceID: opts.SourceID,
		Limit:    opts.Limit,
	}
	if opts.Status != "" {
		status, err := model.ParseStatus(opts.Status)
		if err != nil {
			return out.Fail(WrapExitError(ExitCommandError, "invalid --status", err))
		}
		filter.Status = status
	}
	if opts.Platform != "" && !filter.Platform.Valid() {
		return out.Fail(NewExitError(ExitCommandError, fmt.Sprintf("unknown platform %q", opts.Platform)))
	}
	if opts.Limit <= 0 {
		return out.Fail(NewExitError(ExitCommandError, "--limit must be positive"))
	}

	snap, err := opts.loadConfig()
	if err != nil {
		return out.Fail(err)
	}
	st, err := openStore(snap.Config)
	if err != nil {
		return out.Fail(err)
	}
	defer st.Close()

	entries, err := st.ListEntries(ctx, filter)
	if err != nil {
		return out.Fail(WrapExitError(ExitFailure, "list entries", err))
	}
	return out.Success(entryList(entries))
}

type cancelResult struct {
	ID             string       `json:"id"`
	PreviousStatus model.Status `json:"previous_status"`
}

func (r cancelResult) RenderText(w io.Writer) error {
	var err error
	if r.PreviousStatus == model.StatusProcessing {
		_, err = fmt.Fprintf(w, "Cancelled %s (was processing; an in-flight publish may still complete)\n", r.ID)
	} else {
		_, err = fmt.Fprintf(w, "Cancelled %s (was %s)\n", r.ID, r.PreviousStatus)
	}
	return err
}

func newQueueCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or processing entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			a, err := rootOpts.setup(ctx, cmd.ErrOrStderr())
			if err != nil {
				return out.Fail(err)
			}
			defer a.Close()

			prior, err := a.executor.Cancel(ctx, args[0])
			switch {
			case errors.Is(err, store.ErrNotFound):
				return out.failWith(CodeNotFound,
					NewExitError(ExitCommandError, fmt.Sprintf("entry %s not found", args[0])), nil)
			case errors.Is(err, store.ErrInvalidTransition):
				return out.failWith(CodeConflict,
					NewExitError(ExitFailure, fmt.Sprintf("entry %s is already %s", args[0], prior)), nil)
			case err != nil:
				return out.Fail(WrapExitError(ExitFailure, "cancel entry", err))
			}
			return out.Success(cancelResult{ID: args[0], PreviousStatus: prior})
		},
	}
}
