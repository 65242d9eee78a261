package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pitabwire/detention-letters/internal/workflow"
	"github.com/pitabwire/detention-letters/model"
)

// RunOnceOptions holds flags for the run-once command.
type RunOnceOptions struct {
	*RootOptions
	SeedFile string
}

// runOnceOutput is the JSON shape of a finished run.
type runOnceOutput struct {
	workflow.Summary
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// NewRunOnceCommand creates the run-once command.
func NewRunOnceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOnceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Process every pending order once and exit",
		Long: `Run a single processing pass over the pending orders and print the
outcome of each order.

The run takes the same lock as the scheduler, so it is skipped while a
serving replica sharing the lock is mid-run.

Examples:
  letterd run-once -c config.yaml
  letterd run-once -c local.yaml --seed testdata/orders.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runRunOnce(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.SeedFile, "seed", "", "load orders and users from a fixture file before the run")

	return cmd
}

func runRunOnce(ctx context.Context, opts *RunOnceOptions, out io.Writer) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	if opts.SeedFile != "" {
		fx, err := loadFixtures(opts.SeedFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "load fixtures", err)
		}
		if err := fx.apply(ctx, a.store); err != nil {
			return WrapExitError(ExitCommandError, "seed store", err)
		}
	}

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	sum, err := sched.Trigger(ctx, "cli")
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			return WrapExitError(ExitFailure, "run skipped", err)
		}
		return WrapExitError(ExitCommandError, "acquire run lock", err)
	}

	result := runOnceOutput{Summary: sum, Result: sum.Result()}
	if sum.Err != nil {
		result.Error = sum.Err.Error()
	}
	if err := writeOutput(out, opts.Format, result, func(w io.Writer) error {
		return writeSummaryText(w, sum)
	}); err != nil {
		return err
	}

	if sum.Err != nil {
		return WrapExitError(ExitFailure, "run failed", sum.Err)
	}
	return nil
}

func writeSummaryText(w io.Writer, sum workflow.Summary) error {
	fmt.Fprintf(w, "run %s: %s, %d pending, %d skipped\n", sum.RunID, sum.Result(), sum.Pending, sum.Skipped)
	for _, o := range sum.Outcomes {
		names := make([]string, len(o.Letters))
		for i, lt := range o.Letters {
			names[i] = lt.String()
		}
		fmt.Fprintf(w, "  %-12s %-17s closed=%-5t letters=[%s]", o.OrderNumber, o.State, o.Closed, strings.Join(names, ","))
		if o.Message != "" {
			fmt.Fprintf(w, " %q", o.Message)
		}
		fmt.Fprintln(w)
	}
	if sum.Err != nil {
		fmt.Fprintf(w, "error: %v\n", sum.Err)
	}
	return nil
}
