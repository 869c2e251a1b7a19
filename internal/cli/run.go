package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"envfleet/internal/app"
	"envfleet/internal/eventbus"
	"envfleet/internal/provider"
	"envfleet/internal/provider/fakeprovider"
	"envfleet/internal/report"
	"envfleet/internal/task/scheduler"
)

func newRunCmd() *cobra.Command {
	var (
		envs        []string
		all         bool
		routines    []string
		mode        string
		concurrency int
		jsonOut     bool
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run routines once across the selected environments",
		Long: `Opens each selected environment, runs the routines inside it and closes it,
keeping at most --concurrency sessions open at a time.

Ctrl-C stops the run: queued environments are skipped and every open
session gets a close request before the command exits.`,
		Example: `  envfleet run --env 1650000000000000001 --routine idle
  envfleet run --all --routine status-check --routine checkin.js --mode per-round -n 5
  envfleet run --all --routine idle --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(envs) == 0 && !all {
				return errors.New("select environments with --env or use --all")
			}
			if len(envs) > 0 && all {
				return errors.New("--env and --all are mutually exclusive")
			}
			if len(routines) == 0 {
				return errors.New("at least one --routine is required")
			}
			if concurrency < 0 {
				return errors.New("--concurrency must be >= 0")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The run log goes to stdout; keep stderr for warnings unless asked.
			var extra []app.Option
			if flagLogLevel == "" {
				extra = append(extra, app.WithLogLevel("warn"))
			}
			if dryRun {
				extra = append(extra, app.WithProvider(dryRunProvider(envs)))
			}
			a, err := openApp(extra...)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			done := printRunLog(out, a.Bus())
			sum, err := a.Run(ctx, app.RunSpec{
				Environments: envs,
				Routines:     routines,
				Mode:         mode,
				Concurrency:  concurrency,
				Trigger:      "cli",
			})
			done()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(out, sum)
			}
			printSummary(out, sum)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&envs, "env", "e", nil, "environment id (repeatable or comma separated)")
	cmd.Flags().BoolVar(&all, "all", false, "run every environment the provider lists")
	cmd.Flags().StringSliceVarP(&routines, "routine", "r", nil, "routine name or script path (repeatable)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "per-environment or per-round (default from config)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 0, "max open sessions (default scheduler.max_concurrent)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run against an in-memory provider instead of the provisioning API")
	return cmd
}

// dryRunProvider knows the requested ids, or three sample environments for --all.
func dryRunProvider(ids []string) *fakeprovider.Provider {
	if len(ids) == 0 {
		return fakeprovider.New(fakeprovider.Environments(3)...)
	}
	envs := make([]provider.Environment, 0, len(ids))
	for _, id := range ids {
		envs = append(envs, provider.Environment{ID: id})
	}
	return fakeprovider.New(envs...)
}

// printRunLog streams run log lines to w until the returned func is called.
func printRunLog(w io.Writer, bus eventbus.Bus) func() {
	events, unsub := bus.Subscribe(256, scheduler.EventLog)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for ev := range events {
			le, ok := ev.Data.(scheduler.LogEvent)
			if !ok {
				continue
			}
			fmt.Fprintln(w, formatLogEvent(le))
		}
	}()
	return func() {
		unsub()
		<-finished
	}
}

func formatLogEvent(le scheduler.LogEvent) string {
	var b strings.Builder
	b.WriteString(le.Time.Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(severityTag(string(le.Severity)))
	if le.Task != "" {
		b.WriteString(" ")
		b.WriteString(le.Task)
	}
	b.WriteString(" ")
	b.WriteString(le.Message)
	return b.String()
}

func severityTag(sev string) string {
	switch sev {
	case "success":
		return "[ OK ]"
	case "warning":
		return "[WARN]"
	case "error":
		return "[FAIL]"
	default:
		return "[INFO]"
	}
}

func printSummary(w io.Writer, sum report.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "run %s  mode=%s  limit=%d  duration=%s\n", sum.RunID, sum.Mode, sum.Limit, sum.Duration().Round(time.Millisecond))
	fmt.Fprintln(w, sum.Line())
	for _, warn := range sum.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, o := range sum.Outcomes {
		if o.OK {
			continue
		}
		fmt.Fprintf(w, "  failed: %s %s: %s\n", o.EnvID, o.Routine, o.Error)
	}
}
