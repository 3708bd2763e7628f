package commands

import (
	"context"
	"errors"
	"net/http"

	"github.com/runplane/runplane/pkg/kernel"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the kernel until interrupted",
		Long: `Start the kernel: restore triggers, install catalog triggers, start the
schedule clock and serve Prometheus metrics until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKernel(cmd.Context(), serve)
		},
	}
}

func serve(ctx context.Context, k *kernel.Kernel) error {
	if err := k.Start(ctx); err != nil {
		return err
	}
	log := k.Telemetry().Logger

	g, gctx := errgroup.WithContext(ctx)

	if srv := k.Telemetry().Metrics.NewMetricsServer(); srv != nil {
		g.Go(func() error {
			log.WithField("addr", srv.Addr).Info("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return nil
	})

	return g.Wait()
}
