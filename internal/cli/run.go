package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/recast/internal/engine"
	"github.com/roach88/recast/internal/ranking"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: `Rank content and execute due queue entries once, then exit.

Exits 1 when another run holds the pipeline lease or any step failed.

Example:
  recast run --db ./recast.db
  recast run --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(rootOpts, cmd)
		},
	}
}

func runOnce(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	a, err := opts.setup(ctx, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(err)
	}
	defer a.Close()

	report, err := a.runner.Run(ctx)
	if errors.Is(err, engine.ErrAlreadyRunning) {
		return out.Fail(WrapExitError(ExitFailure, "pipeline already running", err))
	}
	if err != nil {
		failure := WrapExitError(ExitFailure, "pipeline run failed", err)
		// Partial results are still reported; in JSON they ride along as
		// error details so the output stays one document.
		if out.Format == "json" {
			return out.failWith(errorCode(err), failure, engine.RunReport(report))
		}
		_ = out.Success(runResult(report))
		return out.Fail(failure)
	}
	return out.SuccessWithToken(runResult(report), report.RunToken)
}

type runResult engine.RunReport

func (r runResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "Run %s\n", r.RunToken)
	if r.Ranking != nil {
		if err := rankResult(*r.Ranking).RenderText(w); err != nil {
			return err
		}
	}
	return tickText(w, r.Tick)
}

func tickText(w io.Writer, t engine.TickReport) error {
	if t.Reaped > 0 {
		fmt.Fprintf(w, "  reaped:     %d\n", t.Reaped)
	}
	fmt.Fprintf(w, "  due:        %d\n", t.Due)
	fmt.Fprintf(w, "  claimed:    %d\n", t.Claimed)
	fmt.Fprintf(w, "  completed:  %d\n", t.Completed)
	fmt.Fprintf(w, "  failed:     %d\n", t.Failed)
	if t.LostClaims > 0 {
		fmt.Fprintf(w, "  lost:       %d\n", t.LostClaims)
	}
	if t.SkippedPlatformCap > 0 {
		fmt.Fprintf(w, "  platform cap skips: %d\n", t.SkippedPlatformCap)
	}
	if t.DailyCapReached {
		fmt.Fprintf(w, "  daily cap reached (%d skipped)\n", t.SkippedDailyCap)
	}
	if len(t.Errors) > 0 {
		_, err := fmt.Fprintf(w, "  errors:\n    %s\n", strings.Join(t.Errors, "\n    "))
		return err
	}
	return nil
}

// NewRankCommand creates the rank command.
func NewRankCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rank",
		Short: "Recompute rankings and enqueue eligible content",
		Long: `Score every content item, mark the top candidates eligible and enqueue
one entry per enabled platform for each candidate not in cooldown and
not a duplicate of recently posted media. Nothing is published.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			a, err := rootOpts.setup(ctx, cmd.ErrOrStderr())
			if err != nil {
				return out.Fail(err)
			}
			defer a.Close()

			report, err := a.ranker.Run(ctx)
			if err != nil {
				return out.Fail(WrapExitError(ExitFailure, "ranking failed", err))
			}
			a.metrics.AddEnqueued(report.Enqueued)
			return out.Success(rankResult(report))
		},
	}
}

type rankResult ranking.Report

func (r rankResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Ranked %d items: %d eligible, %d enqueued, %d already queued, %d in cooldown, %d duplicates\n",
		r.Ranked, r.Eligible, r.Enqueued, r.Existing, r.Cooldown, r.Duplicates)
	return err
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Requeue transient failures with backoff",
		Long: `Run one retry sweep: every failed entry with a transient error and
attempts left gets a new queued entry scheduled after an exponential
backoff. Configuration failures are never retried.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			a, err := rootOpts.setup(ctx, cmd.ErrOrStderr())
			if err != nil {
				return out.Fail(err)
			}
			defer a.Close()

			report, err := a.retry.Sweep(ctx)
			if err != nil {
				return out.Fail(WrapExitError(ExitFailure, "retry sweep failed", err))
			}
			return out.Success(retryResult(report))
		},
	}
}

type retryResult engine.RetryReport

func (r retryResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Retry sweep: %d candidates, %d requeued, %d superseded, %d raced\n",
		r.Candidates, r.Requeued, r.Superseded, r.Raced)
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
