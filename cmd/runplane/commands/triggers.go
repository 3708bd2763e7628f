package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/runplane/runplane/pkg/kernel"
	"github.com/runplane/runplane/pkg/lifecycle"
	"github.com/runplane/runplane/pkg/trigger"
	"github.com/spf13/cobra"
)

func newTriggersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "triggers",
		Aliases: []string{"trigger"},
		Short:   "Manage schedule and lifecycle triggers",
		Long: `Manage triggers. Triggers are persisted and fire only while "runplane serve"
is running.`,
	}

	cmd.AddCommand(newTriggersListCommand())
	cmd.AddCommand(newTriggersGetCommand())
	cmd.AddCommand(newTriggersCreateCommand())
	cmd.AddCommand(newTriggersFiringsCommand())
	cmd.AddCommand(triggerIntentCommand("start", "Re-activate a stopped trigger", func(s *trigger.Service) triggerIntent { return s.Start }))
	cmd.AddCommand(triggerIntentCommand("stop", "Stop a trigger", func(s *trigger.Service) triggerIntent { return s.Stop }))
	cmd.AddCommand(triggerIntentCommand("delete", "Delete a trigger", func(s *trigger.Service) triggerIntent { return s.Delete }))
	return cmd
}

func newTriggersListCommand() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				entities, err := k.Triggers().List(ctx, project)
				if err != nil {
					return err
				}
				return output(entities, func() {
					tw := newTable(table.Row{"ID", "Project", "Name", "State", "Task", "Condition"})
					for _, e := range entities {
						task, cond := "-", "-"
						if t, err := trigger.FromEntity(e); err == nil {
							task, cond = t.Task, describeCondition(t.Condition)
						}
						tw.AppendRow(table.Row{e.ID, e.Project, e.Name, e.State, task, cond})
					}
					tw.Render()
				})
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "only triggers of this project")
	return cmd
}

func newTriggersGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				t, e, err := k.Triggers().Get(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]interface{}{"trigger": t, "state": e.State, "status": e.Status}
				if jsonOutput {
					return printJSON(stdout, out)
				}
				return printYAML(stdout, out)
			})
		},
	}
}

func newTriggersCreateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a trigger from a YAML document",
		Example: `  runplane triggers create -f nightly.yaml

  # nightly.yaml
  project: demo
  name: nightly
  task: container+job
  function: report
  condition:
    schedule: "0 2 * * *"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var t trigger.Trigger
			if err := readYAMLFile(file, &t); err != nil {
				return err
			}
			if t.CreatedBy == "" {
				t.CreatedBy = actor
			}
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				e, err := k.Triggers().Create(ctx, &t)
				if err != nil {
					return err
				}
				return printTrigger(e)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML trigger document (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTriggersFiringsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "firings <id>",
		Short: "Show the recent firings of a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				n := limit
				if !cmd.Flags().Changed("limit") {
					n = k.Config().Triggers.FiringHistory
				}
				firings, err := k.Triggers().Firings(ctx, args[0], n)
				if err != nil {
					return err
				}
				return output(firings, func() {
					tw := newTable(table.Row{"Fired", "Actuator", "Status", "Run", "Error"})
					for _, f := range firings {
						tw.AppendRow(table.Row{formatTime(f.FiredAt), f.Actuator, f.Status, orDash(f.RunID), orDash(f.Error)})
					}
					tw.Render()
				})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum firings to show (default from triggers.firing_history)")
	return cmd
}

type triggerIntent func(ctx context.Context, id, actor string) (*lifecycle.Entity, error)

func triggerIntentCommand(use, short string, intent func(*trigger.Service) triggerIntent) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				e, err := intent(k.Triggers())(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printTrigger(e)
			})
		},
	}
}

func printTrigger(e *lifecycle.Entity) error {
	return output(e, func() {
		tw := newTable(table.Row{"ID", "Project", "Name", "State", "Key"})
		tw.AppendRow(table.Row{e.ID, e.Project, e.Name, e.State, e.Key()})
		tw.Render()
	})
}

func describeCondition(c trigger.Condition) string {
	switch c.Kind() {
	case trigger.ConditionSchedule:
		return "schedule " + c.Schedule
	case trigger.ConditionLifecycle:
		l := c.Lifecycle
		s := fmt.Sprintf("%s in [%s]", l.Key, strings.Join(l.States, ","))
		if l.Relationship != "" {
			s += " via " + l.Relationship
		}
		return s
	}
	return "-"
}
