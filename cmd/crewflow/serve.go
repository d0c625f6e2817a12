package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/crewflow/crewflow/features/server/sse"
	"github.com/crewflow/crewflow/runtime/agent/telemetry"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server.
const shutdownTimeout = 30 * time.Second

func newServeCmd(v *viper.Viper, load loadFunc, global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			srv, err := sse.New(sse.Options{
				Runner:  a.runtime,
				Follow:  a.follow,
				Pingers: a.pingers,
				Logger:  telemetry.NewClueLogger(),
				Debug:   global.debug,
			})
			if err != nil {
				return err
			}
			return serve(ctx, cfg.Server.Addr, srv.Handler(ctx))
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8000)")
	bindFlag(v, "server.addr", cmd, "addr")
	return cmd
}

// serve runs an HTTP server on addr until ctx is canceled.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Minute}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
