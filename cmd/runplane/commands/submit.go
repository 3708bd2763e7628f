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

func newSubmitCommand() *cobra.Command {
	var (
		req     requestFlags
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run",
		Long: `Compose and submit a run. Runs are driven by this process, so by default
submit waits until the run completes, fails or is stopped.`,
		Example: `  runplane submit -p demo -t container+job --function hello --param name=world
  runplane submit -f run.yaml --wait=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := req.build()
			if err != nil {
				return err
			}
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				e, err := k.Submit(ctx, r)
				if err != nil {
					return err
				}
				if wait {
					e, err = waitRun(ctx, k, e.ID, timeout)
					if err != nil {
						return err
					}
				}
				return printRun(e)
			})
		},
	}

	req.register(cmd)
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to settle")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	return cmd
}

func waitRun(ctx context.Context, k *kernel.Kernel, id string, timeout time.Duration) (*lifecycle.Entity, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	e, err := k.Wait(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("run %s did not settle: %w", id, err)
	}
	return e, nil
}

func printRun(e *lifecycle.Entity) error {
	return output(e, func() {
		tw := newTable(table.Row{"ID", "Project", "Name", "State", "Framework", "Updated"})
		tw.AppendRow(table.Row{e.ID, e.Project, e.Name, e.State, statusString(e, "framework"), formatTime(e.UpdatedAt)})
		tw.Render()
		if msg := runMessage(e); msg != "" {
			fmt.Fprintln(stdout, msg)
		}
	})
}

func statusString(e *lifecycle.Entity, key string) string {
	s, _ := e.Status[key].(string)
	return orDash(s)
}

// runMessage summarizes the error or message recorded on a run.
func runMessage(e *lifecycle.Entity) string {
	if errStatus, ok := e.Status["error"].(map[string]interface{}); ok {
		return fmt.Sprintf("error: %v", errStatus["message"])
	}
	if s, ok := e.Status["error"].(string); ok {
		return "error: " + s
	}
	if msg, ok := e.Status["message"].(string); ok {
		return msg
	}
	return ""
}
