package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/runplane/runplane/pkg/kernel"
	"github.com/spf13/cobra"
)

type checkResult struct {
	Subject string `json:"subject"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog paths...]",
		Short: "Validate catalog documents and policies",
		Long: `Load the catalog documents and policies against an in-memory store and
compose a dry run of every catalog trigger. Paths default to catalog.paths
from the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v.Set("database.driver", "memory")
			if len(args) > 0 {
				v.Set("catalog.paths", args)
			}
			return withKernel(cmd.Context(), validateKernel)
		},
	}
}

func validateKernel(ctx context.Context, k *kernel.Kernel) error {
	cat := k.Catalog()
	results := []checkResult{
		{Subject: "catalog", OK: true, Detail: fmt.Sprintf("%d functions, %d tasks, %d triggers",
			len(cat.Functions()), len(cat.Tasks()), len(cat.Triggers()))},
	}
	if p := k.Policies(); p != nil {
		results = append(results, checkResult{Subject: "policies", OK: true, Detail: fmt.Sprintf("%d loaded", len(p.ListPolicies()))})
	}

	failed := 0
	for _, t := range cat.Triggers() {
		_, err := k.Compose(ctx, kernel.SubmitRequest{
			Project:  t.Project,
			Task:     t.Task,
			Function: t.Function,
			Run:      t.Template,
			Actor:    actor,
		})
		r := checkResult{Subject: fmt.Sprintf("trigger %s/%s", t.Project, t.Name), OK: err == nil}
		if err != nil {
			r.Detail = err.Error()
			failed++
		}
		results = append(results, r)
	}

	if err := output(results, func() {
		tw := newTable(table.Row{"Check", "OK", "Detail"})
		for _, r := range results {
			tw.AppendRow(table.Row{r.Subject, r.OK, orDash(r.Detail)})
		}
		tw.Render()
	}); err != nil {
		return err
	}
	if failed > 0 {
		return errors.New("validation failed")
	}
	return nil
}
