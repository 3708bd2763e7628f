package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/runplane/runplane/pkg/kernel"
	"github.com/runplane/runplane/pkg/lifecycle"
	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"run"},
		Short:   "Inspect and control runs",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsGetCommand())
	cmd.AddCommand(newRunsHistoryCommand())
	cmd.AddCommand(newRunsStopCommand())
	cmd.AddCommand(newRunsResumeCommand())
	cmd.AddCommand(newRunsDeleteCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var project, state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				runs, err := k.List(ctx, project, state)
				if err != nil {
					return err
				}
				return output(runs, func() {
					tw := newTable(table.Row{"ID", "Project", "Name", "State", "Framework", "Origin", "Updated"})
					for _, e := range runs {
						tw.AppendRow(table.Row{
							e.ID, e.Project, e.Name, e.State,
							statusString(e, "framework"), statusString(e, "origin"), formatTime(e.UpdatedAt),
						})
					}
					tw.AppendFooter(table.Row{"", "", "", "", "", "Total", len(runs)})
					tw.Render()
				})
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "only runs of this project")
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	return cmd
}

func newRunsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a run and its runnable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				run, err := k.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(stdout, run)
				}
				if err := printRun(run.Entity); err != nil {
					return err
				}
				if run.Runnable == nil {
					return nil
				}
				fmt.Fprintln(stdout)
				return printYAML(stdout, map[string]interface{}{"runnable": run.Runnable})
			})
		},
	}
}

func newRunsHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the lifecycle transitions of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				records, err := k.History(ctx, args[0])
				if err != nil {
					return err
				}
				return output(records, func() {
					tw := newTable(table.Row{"Time", "Event", "From", "To", "Actor", "Observed"})
					for _, r := range records {
						tw.AppendRow(table.Row{formatTime(r.Timestamp), r.Event, orDash(r.From), r.To, orDash(r.Actor), r.Observed})
					}
					tw.Render()
				})
			})
		},
	}
}

// intentCommand builds a command that raises one lifecycle intent on a run.
func intentCommand(use, short string, wait bool, intent func(*kernel.Kernel) func(context.Context, string, string) (*lifecycle.Entity, error)) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				e, err := intent(k)(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if wait {
					if e, err = waitRun(ctx, k, e.ID, timeout); err != nil {
						return err
					}
				}
				return printRun(e)
			})
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", wait, "wait for the run to settle")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up waiting after this long (0 waits forever)")
	return cmd
}

func newRunsStopCommand() *cobra.Command {
	return intentCommand("stop", "Stop a run", true, func(k *kernel.Kernel) func(context.Context, string, string) (*lifecycle.Entity, error) {
		return k.Stop
	})
}

func newRunsResumeCommand() *cobra.Command {
	return intentCommand("resume", "Resume a stopped or failed run", true, func(k *kernel.Kernel) func(context.Context, string, string) (*lifecycle.Entity, error) {
		return k.Resume
	})
}

func newRunsDeleteCommand() *cobra.Command {
	return intentCommand("delete", "Delete a run's framework resources", true, func(k *kernel.Kernel) func(context.Context, string, string) (*lifecycle.Entity, error) {
		return k.Delete
	})
}
