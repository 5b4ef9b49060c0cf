package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/recast/internal/engine"
	"github.com/roach88/recast/internal/scheduler"
	"github.com/roach88/recast/internal/server"
)

const shutdownTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
	// NoServer runs the scheduler without the admin HTTP server.
	NoServer bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline on a schedule with the admin server",
		Long: `Start the scheduler and admin HTTP server.

The pipeline (rank, then execute due queue entries) runs every
executor.tick_interval; failed entries are swept for retry every
retry.interval. Stops gracefully on SIGINT or SIGTERM, waiting for the
running pipeline pass to finish.

Example:
  recast serve --config ./recast.yaml
  recast serve --db /var/lib/recast/recast.db --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "admin server address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.NoServer, "no-server", false, "do not start the admin server")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	a, err := opts.setup(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.logger.WithError(closeErr).Error("Error closing resources")
		}
	}()

	sched, err := scheduler.New(a.cfg.Timezone,
		scheduler.WithLogger(a.logger),
		scheduler.WithJobTimeout(a.runTimeout),
		scheduler.WithQuietErrors(func(err error) bool {
			return errors.Is(err, engine.ErrAlreadyRunning)
		}),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "create scheduler", err)
	}

	if err := sched.AddEvery("pipeline", a.cfg.Executor.TickInterval, func(ctx context.Context) error {
		_, err := a.runner.Run(ctx)
		return err
	}); err != nil {
		return WrapExitError(ExitCommandError, "schedule pipeline", err)
	}
	if a.cfg.Retry.Enabled {
		if err := sched.AddEvery("retry", a.cfg.Retry.Interval, func(ctx context.Context) error {
			_, err := a.retry.Sweep(ctx)
			return err
		}); err != nil {
			return WrapExitError(ExitCommandError, "schedule retry sweep", err)
		}
	}

	var srv *server.Server
	srvErr := make(chan error, 1)
	if !opts.NoServer {
		addr := opts.Addr
		if addr == "" {
			addr = a.cfg.Server.Addr
		}
		srv = server.New(addr, server.Deps{
			Pipeline:  a.runner,
			Queue:     a.store,
			Canceller: a.executor,
			Gatherer:  a.gatherer,
			Logger:    a.logger,
			Version:   a.version,
			Now:       opts.now,
		})
		go func() {
			srvErr <- srv.ListenAndServe()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sched.Start()
	a.logger.WithField("platforms", a.cfg.EnabledPlatforms()).Info("recast started")
	fmt.Fprintln(cmd.OutOrStdout(), "recast started. Press Ctrl-C to stop.")

	var runErr error
	select {
	case sig := <-sigChan:
		a.logger.WithField("signal", sig.String()).Info("Received signal, shutting down")
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			runErr = WrapExitError(ExitFailure, "admin server", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("Admin server shutdown incomplete")
		}
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		a.logger.Warn("Timed out waiting for scheduled jobs")
	}

	a.logger.Info("recast stopped")
	return runErr
}
