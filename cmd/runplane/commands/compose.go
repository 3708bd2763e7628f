package commands

import (
	"context"

	"github.com/runplane/runplane/pkg/kernel"
	"github.com/spf13/cobra"
)

func newComposeCommand() *cobra.Command {
	var req requestFlags

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose a run without submitting it",
		Long: `Resolve the function and task from the catalog, merge them with the run
layer and print the composed run spec and runnable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := req.build()
			if err != nil {
				return err
			}
			return withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				res, err := k.Compose(ctx, r)
				if err != nil {
					return err
				}
				out := map[string]interface{}{
					"spec":     res.Spec.ToMap(),
					"runnable": res.Runnable,
				}
				if jsonOutput {
					return printJSON(stdout, out)
				}
				return printYAML(stdout, out)
			})
		},
	}

	req.register(cmd)
	return cmd
}
